package models

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, trims it and strips diacritics, so "Documento_Válido" and
// "documento_valido" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// SentinelOf returns the canonical reserved condition that cond spells, if any.
// Sempre is not a sentinel.
func SentinelOf(cond string) (string, bool) {
	folded := Fold(cond)
	for _, s := range sentinelConditions {
		if Fold(s) == folded {
			return s, true
		}
	}
	return "", false
}

// IsAlways reports whether cond is the always-true condition.
func IsAlways(cond string) bool {
	return Fold(cond) == Fold(ConditionAlways)
}
