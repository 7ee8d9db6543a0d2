package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
}

var _ StateManager = (*StoreBasedStateManager)(nil)

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// LoadState retrieves a conversation by id.
func (sm *StoreBasedStateManager) LoadState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	state, err := sm.store.GetConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("StateManager LoadState error", "error", err, "conversationID", conversationID)
		}
		return nil, err
	}
	slog.Debug("StateManager LoadState found", "conversationID", conversationID, "node", state.CurrentNodeID, "status", state.Status)
	return state, nil
}

// SaveState stores the conversation.
func (sm *StoreBasedStateManager) SaveState(ctx context.Context, state *models.ConversationState) error {
	if err := sm.store.SaveConversation(ctx, state); err != nil {
		slog.Error("StateManager SaveState error", "error", err, "conversationID", state.ID)
		return err
	}
	slog.Debug("StateManager SaveState succeeded", "conversationID", state.ID, "node", state.CurrentNodeID, "status", state.Status)
	return nil
}

// ActiveState returns the lead's active conversation, or nil.
func (sm *StoreBasedStateManager) ActiveState(ctx context.Context, leadID string) (*models.ConversationState, error) {
	state, err := sm.store.GetActiveConversationByLead(ctx, leadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		slog.Error("StateManager ActiveState error", "error", err, "leadID", leadID)
		return nil, err
	}
	return state, nil
}

// ListActive returns every conversation that has not ended.
func (sm *StoreBasedStateManager) ListActive(ctx context.Context) ([]*models.ConversationState, error) {
	states, err := sm.store.ListActiveConversations(ctx)
	if err != nil {
		slog.Error("StateManager ListActive error", "error", err)
		return nil, err
	}
	return states, nil
}
