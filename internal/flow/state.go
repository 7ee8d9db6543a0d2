// Package flow runs conversational flows: it matches decisions, applies
// fallback policies, arms timeouts and executes node contracts for every
// active conversation.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// StateManager persists conversation state.
type StateManager interface {
	// LoadState retrieves a conversation by id
	LoadState(ctx context.Context, conversationID string) (*models.ConversationState, error)

	// SaveState stores the conversation, replacing any previous version
	SaveState(ctx context.Context, state *models.ConversationState) error

	// ActiveState returns the lead's active conversation, or nil when it has none
	ActiveState(ctx context.Context, leadID string) (*models.ConversationState, error)

	// ListActive returns every conversation that has not ended
	ListActive(ctx context.Context) ([]*models.ConversationState, error)
}

// Timer arms at most one deadline per conversation.
type Timer interface {
	// Arm schedules fire(token) at the given time, replacing any pending deadline
	Arm(conversationID string, token int64, at time.Time, fire func(token int64))

	// Disarm cancels the conversation's pending deadline, if any
	Disarm(conversationID string)

	// ListActive describes every pending deadline
	ListActive() []models.TimerInfo

	// Stop cancels all deadlines
	Stop()
}

// EffectSink carries out declared effects. Implementations must be idempotent
// per effect key.
type EffectSink interface {
	Apply(ctx context.Context, effects []models.Effect) error
}

// EffectSinkFunc adapts a function to EffectSink.
type EffectSinkFunc func(ctx context.Context, effects []models.Effect) error

func (f EffectSinkFunc) Apply(ctx context.Context, effects []models.Effect) error {
	return f(ctx, effects)
}

// Observer receives engine events for metrics.
type Observer interface {
	ConversationStarted(flowID string)
	ConversationEnded(flowID string, reason models.EndReason)
	Transition(flowID, condition string)
	Fallback(flowID string, action models.FallbackAction)
	Timeout(flowID string)
	EffectDeclared(kind models.EffectKind)
	StepCompleted(flowID string, d time.Duration)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) ConversationStarted(string)                 {}
func (NopObserver) ConversationEnded(string, models.EndReason) {}
func (NopObserver) Transition(string, string)                  {}
func (NopObserver) Fallback(string, models.FallbackAction)     {}
func (NopObserver) Timeout(string)                             {}
func (NopObserver) EffectDeclared(models.EffectKind)           {}
func (NopObserver) StepCompleted(string, time.Duration)        {}
