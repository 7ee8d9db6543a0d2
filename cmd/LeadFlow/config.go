package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/scheduler"
	"github.com/BTreeMap/LeadFlow/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadFlow state data
	DefaultStateDir = "/var/lib/leadflow"
	// DefaultAppDBFileName is the default SQLite database for conversations, leads and the outbox
	DefaultAppDBFileName = "leadflow.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPoll is how often due outbox messages are claimed
	DefaultOutboxPoll = time.Second
	// DefaultMaintenance is the cron schedule of the maintenance jobs
	DefaultMaintenance = "*/5 * * * *"
	// MaintenanceOff disables the maintenance jobs
	MaintenanceOff = "off"
)

// Messaging providers.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
)

// Intent matcher kinds.
const (
	MatcherExact  = "exact"
	MatcherExpr   = "expr"
	MatcherOpenAI = "openai"
)

// Config holds environment configuration; command line flags override it.
type Config struct {
	LogLevel         string
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	Provider         string
	QRPath           string
	NumericCode      bool
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	PublicURL        string
	OpenAIKey        string
	OpenAIModel      string
	IntentMatcher    string
	GenAIDebug       bool
	APIAddr          string
	DefaultFlowID    string
	HandoffPhone     string
	RedisAddr        string
	FlowsDir         string
	OutboxPoll       time.Duration
	Maintenance      string
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// loadEnvironmentConfig reads configuration from environment variables and
// fills in defaults derived from the state directory.
func loadEnvironmentConfig() Config {
	config := Config{
		LogLevel:         util.EnvString("LOG_LEVEL", "info"),
		StateDir:         util.EnvString("LEADFLOW_STATE_DIR", DefaultStateDir),
		ApplicationDBDSN: os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Provider:         strings.ToLower(util.EnvString("MESSAGING_PROVIDER", ProviderWhatsApp)),
		NumericCode:      util.EnvBool("WHATSAPP_NUMERIC_CODE", false),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		PublicURL:        os.Getenv("TWILIO_WEBHOOK_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		IntentMatcher:    strings.ToLower(util.EnvString("INTENT_MATCHER", MatcherExact)),
		GenAIDebug:       util.EnvBool("GENAI_DEBUG", false),
		APIAddr:          util.EnvString("API_ADDR", ":8080"),
		DefaultFlowID:    os.Getenv("DEFAULT_FLOW_ID"),
		HandoffPhone:     os.Getenv("HANDOFF_PHONE"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		FlowsDir:         os.Getenv("FLOWS_DIR"),
		OutboxPoll:       util.EnvDuration("OUTBOX_POLL_INTERVAL", DefaultOutboxPoll),
		Maintenance:      util.EnvString("MAINTENANCE_SCHEDULE", DefaultMaintenance),
	}

	config.applyStateDirDefaults()
	return config
}

// applyStateDirDefaults points unset database DSNs at SQLite files in the
// state directory.
func (c *Config) applyStateDirDefaults() {
	if c.ApplicationDBDSN == "" {
		c.ApplicationDBDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// rebaseStateDir moves DSNs that still point at the default files of oldDir
// to the current state directory.
func (c *Config) rebaseStateDir(oldDir string) {
	if c.StateDir == oldDir {
		return
	}
	if c.ApplicationDBDSN == filepath.Join(oldDir, DefaultAppDBFileName) {
		c.ApplicationDBDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "file:"+filepath.Join(oldDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// validate checks the combination of settings before anything is started.
func (c *Config) validate() error {
	switch c.Provider {
	case ProviderWhatsApp:
	case ProviderTwilio:
		if c.TwilioSID == "" || c.TwilioToken == "" || c.TwilioFrom == "" {
			return fmt.Errorf("twilio provider requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	default:
		return fmt.Errorf("unknown messaging provider %q (want %s or %s)", c.Provider, ProviderWhatsApp, ProviderTwilio)
	}
	switch c.IntentMatcher {
	case MatcherExact, MatcherExpr:
	case MatcherOpenAI:
		if c.OpenAIKey == "" {
			return fmt.Errorf("openai intent matcher requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown intent matcher %q", c.IntentMatcher)
	}
	if c.OutboxPoll <= 0 {
		return fmt.Errorf("outbox poll interval must be positive")
	}
	if c.Maintenance != MaintenanceOff {
		if err := scheduler.ValidateExpr(c.Maintenance); err != nil {
			return fmt.Errorf("invalid maintenance schedule %q: %w", c.Maintenance, err)
		}
	}
	return nil
}

// isFileDSN reports whether a DSN points at a local SQLite file.
func isFileDSN(dsn string) bool {
	return !strings.Contains(dsn, "postgres://") && !strings.Contains(dsn, "postgresql://") && !strings.Contains(dsn, "host=")
}

// parseLogLevel maps a level name to a slog level.
func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// initializeLogger installs the default structured logger.
func initializeLogger(level string) error {
	l, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
	return nil
}
