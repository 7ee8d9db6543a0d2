package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// IntentMatcher decides whether free text satisfies a decision condition.
// The engine treats it as an opaque predicate and never retries it.
type IntentMatcher interface {
	Match(ctx context.Context, text, condition string) (bool, error)
}

// MatcherFunc adapts a function to IntentMatcher.
type MatcherFunc func(ctx context.Context, text, condition string) (bool, error)

func (f MatcherFunc) Match(ctx context.Context, text, condition string) (bool, error) {
	return f(ctx, text, condition)
}

type variablesKey struct{}

// WithVariables attaches a conversation's variables to ctx for matchers that
// evaluate conditions over captured values.
func WithVariables(ctx context.Context, vars Variables) context.Context {
	return context.WithValue(ctx, variablesKey{}, vars)
}

// VariablesFromContext returns the variables attached by WithVariables.
func VariablesFromContext(ctx context.Context) Variables {
	vars, _ := ctx.Value(variablesKey{}).(Variables)
	return vars
}

// ExactMatcher matches when the folded input equals one of the
// "|"-separated alternatives of the condition.
type ExactMatcher struct{}

func (ExactMatcher) Match(_ context.Context, text, condition string) (bool, error) {
	input := strings.Trim(models.Fold(text), " .!?")
	if input == "" {
		return false, nil
	}
	for _, alt := range strings.Split(condition, "|") {
		if models.Fold(alt) == input {
			return true, nil
		}
	}
	return false, nil
}

// ExprMatcher evaluates conditions written as boolean expressions over the
// reply (input) and the conversation variables, e.g.
// `input contains "sim" || idade > 18`. Conditions that do not compile as
// boolean expressions are handed to Fallback.
type ExprMatcher struct {
	Fallback IntentMatcher
}

func (m ExprMatcher) Match(ctx context.Context, text, condition string) (bool, error) {
	env := map[string]interface{}{}
	for k, v := range VariablesFromContext(ctx).Env() {
		env[k] = v
	}
	env["input"] = strings.ToLower(strings.TrimSpace(text))
	env["raw"] = text

	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		fallback := m.Fallback
		if fallback == nil {
			fallback = ExactMatcher{}
		}
		return fallback.Match(ctx, text, condition)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

// SignalKind distinguishes lead text from internal events.
type SignalKind int

const (
	SignalText SignalKind = iota
	SignalEvent
)

// Signal is what a node's decisions are resolved against.
type Signal struct {
	Kind     SignalKind
	Text     string
	Sentinel string
}

func textSignal(text string) Signal      { return Signal{Kind: SignalText, Text: text} }
func eventSignal(sentinel string) Signal { return Signal{Kind: SignalEvent, Sentinel: sentinel} }

// ConditionMatcher picks the decision that fires for a signal.
type ConditionMatcher struct {
	intents IntentMatcher
}

// NewConditionMatcher creates a matcher. A nil intent matcher means ExactMatcher.
func NewConditionMatcher(intents IntentMatcher) *ConditionMatcher {
	if intents == nil {
		intents = ExactMatcher{}
	}
	return &ConditionMatcher{intents: intents}
}

// Resolve returns the first decision, in the given order, whose condition is
// satisfied by sig, or nil. Decisions must already be sorted by priority and
// output handle. Sentinels only match their internal event, Sempre matches
// anything and free text is delegated to the intent matcher; matcher errors
// count as no match.
func (m *ConditionMatcher) Resolve(ctx context.Context, decisions []models.Decision, sig Signal, vars Variables) *models.Decision {
	for i := range decisions {
		d := &decisions[i]
		if models.IsAlways(d.Condition) {
			return d
		}
		if sentinel, ok := models.SentinelOf(d.Condition); ok {
			if sig.Kind == SignalEvent && sig.Sentinel == sentinel {
				return d
			}
			continue
		}
		if sig.Kind != SignalText {
			continue
		}
		matched, err := m.intents.Match(WithVariables(ctx, vars), sig.Text, d.Condition)
		if err != nil {
			slog.Warn("ConditionMatcher.Resolve: intent matcher failed", "decisionID", d.ID, "condition", d.Condition, "error", err)
			continue
		}
		if matched {
			return d
		}
	}
	return nil
}
