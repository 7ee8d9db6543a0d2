package flow

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// EvaluateCheck applies a check_if_done operator to the variable stored under
// field.
func EvaluateCheck(vars Variables, field string, op models.CheckOperator, expected string) bool {
	val, present := vars.Get(field)
	switch op {
	case models.CheckNotEmpty:
		return present && !val.IsEmpty()
	case models.CheckEmpty:
		return !present || val.IsEmpty()
	case models.CheckEquals:
		return present && models.Fold(val.Text()) == models.Fold(expected)
	case models.CheckNotEquals:
		return !present || models.Fold(val.Text()) != models.Fold(expected)
	case models.CheckContains:
		return present && strings.Contains(models.Fold(val.Text()), models.Fold(expected))
	case models.CheckGreaterThan, models.CheckLessThan:
		if !present {
			return false
		}
		left, ok := numeric(val)
		if !ok {
			return false
		}
		right, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false
		}
		if op == models.CheckGreaterThan {
			return left > right
		}
		return left < right
	default:
		return false
	}
}

func numeric(v models.Value) (float64, bool) {
	switch v.Kind {
	case models.ValueNumber:
		return v.Number, true
	case models.ValueString:
		n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v.String), ",", "."), 64)
		return n, err == nil
	default:
		return 0, false
	}
}
