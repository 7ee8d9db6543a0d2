// Package util holds small helpers shared by the LeadFlow commands and
// services: environment lookups and id generation.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key, or fallback when it is unset or
// blank.
func EnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// EnvBool reads a flag such as WHATSAPP_NUMERIC_CODE. It accepts
// true/1/yes/on and false/0/no/off in any case; anything else logs a warning
// and yields fallback.
func EnvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("util.EnvBool: not a boolean, keeping default", "key", key, "value", raw, "default", fallback)
	return fallback
}

// EnvDuration reads a positive Go duration such as "250ms". Unparsable or
// non-positive values log a warning and yield fallback.
func EnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("util.EnvDuration: not a positive duration, keeping default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}
