// Package recovery restores the engine after a restart: stored flows are
// re-activated, interrupted outbox sends are requeued and every active
// conversation is resumed with its deadline re-armed.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context) error

func (f RecoverableFunc) RecoverState(ctx context.Context) error { return f(ctx) }

// Activator makes compiled flows available to conversations.
type Activator interface {
	Activate(f *graph.Flow)
}

// Resumer restarts persisted conversations.
type Resumer interface {
	Resume(ctx context.Context, state *models.ConversationState) error
}

// ConversationLister lists conversations that have not ended.
type ConversationLister interface {
	ListActive(ctx context.Context) ([]*models.ConversationState, error)
}

// StaleRecoverer requeues outbox messages left in the sending state.
type StaleRecoverer interface {
	RecoverStaleMessages(ctx context.Context) error
}

var (
	_ Activator          = (*flow.Runtime)(nil)
	_ Resumer            = (*flow.Runtime)(nil)
	_ ConversationLister = (*flow.StoreBasedStateManager)(nil)
	_ StaleRecoverer     = (*store.OutboxSender)(nil)
)

// FlowRecovery activates every stored flow marked active.
type FlowRecovery struct {
	flows     store.Store
	activator Activator
}

// NewFlowRecovery creates a FlowRecovery.
func NewFlowRecovery(flows store.Store, activator Activator) *FlowRecovery {
	return &FlowRecovery{flows: flows, activator: activator}
}

// RecoverState compiles and activates stored active flows. A flow that no
// longer compiles is skipped and reported.
func (r *FlowRecovery) RecoverState(ctx context.Context) error {
	records, err := r.flows.ListFlows(ctx)
	if err != nil {
		return fmt.Errorf("list flows: %w", err)
	}
	failed := 0
	for _, rec := range records {
		if !rec.Active {
			continue
		}
		f, err := graph.Load(rec.Definition)
		if err != nil {
			slog.Error("FlowRecovery.RecoverState: stored flow does not compile", "flowID", rec.ID, "error", err)
			failed++
			continue
		}
		r.activator.Activate(f)
	}
	if failed > 0 {
		return fmt.Errorf("%d stored flow(s) failed to compile", failed)
	}
	return nil
}

// ConversationRecovery resumes every active conversation.
type ConversationRecovery struct {
	states  ConversationLister
	resumer Resumer
}

// NewConversationRecovery creates a ConversationRecovery.
func NewConversationRecovery(states ConversationLister, resumer Resumer) *ConversationRecovery {
	return &ConversationRecovery{states: states, resumer: resumer}
}

// RecoverState resumes active conversations. Their tasks re-arm pending
// deadlines with the remaining time; an elapsed deadline fires immediately.
func (r *ConversationRecovery) RecoverState(ctx context.Context) error {
	states, err := r.states.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active conversations: %w", err)
	}
	resumed, failed := 0, 0
	for _, st := range states {
		if err := r.resumer.Resume(ctx, st); err != nil {
			slog.Error("ConversationRecovery.RecoverState: resume failed", "conversationID", st.ID, "flowID", st.FlowID, "error", err)
			failed++
			continue
		}
		resumed++
	}
	slog.Info("ConversationRecovery.RecoverState: conversations resumed", "resumed", resumed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d conversation(s) could not be resumed", failed)
	}
	return nil
}

// OutboxRecovery requeues sends interrupted by the restart.
type OutboxRecovery struct {
	sender StaleRecoverer
}

// NewOutboxRecovery creates an OutboxRecovery.
func NewOutboxRecovery(sender StaleRecoverer) *OutboxRecovery {
	return &OutboxRecovery{sender: sender}
}

func (r *OutboxRecovery) RecoverState(ctx context.Context) error {
	return r.sender.RecoverStaleMessages(ctx)
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component. Components recover in registration
// order, so flows must be registered before the conversations that use them.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}
