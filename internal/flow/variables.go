package flow

import (
	"regexp"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Variables is the per-conversation variable store. Entries are only ever
// added or overwritten.
type Variables map[string]models.Value

// Get returns the value bound to key.
func (v Variables) Get(key string) (models.Value, bool) {
	val, ok := v[key]
	return val, ok
}

// Set binds key to val.
func (v Variables) Set(key string, val models.Value) {
	if key == "" {
		return
	}
	v[key] = val
}

// IsEmpty reports whether key is unbound or bound to an empty value.
func (v Variables) IsEmpty(key string) bool {
	val, ok := v[key]
	return !ok || val.IsEmpty()
}

// Interpolate replaces {{name}} placeholders with variable text. Unknown
// names render as the empty string.
func (v Variables) Interpolate(template string) string {
	if template == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := v[name]; ok {
			return val.Text()
		}
		return ""
	})
}

// Env flattens the store into plain Go values for expression evaluation.
func (v Variables) Env() map[string]interface{} {
	env := make(map[string]interface{}, len(v))
	for k, val := range v {
		switch val.Kind {
		case models.ValueBool:
			env[k] = val.Bool
		case models.ValueNumber:
			env[k] = val.Number
		default:
			env[k] = val.Text()
		}
	}
	return env
}
