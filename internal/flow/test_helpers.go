package flow

import (
	"context"
	"sync"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

// NewMockStateManager creates an in-memory state manager for testing
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore())
}

// RecordingSink is an EffectSink that keeps every applied effect, collapsing
// repeated keys the way durable adapters do.
type RecordingSink struct {
	mu      sync.Mutex
	seen    map[string]bool
	effects []models.Effect
	// Err, when set, is returned by Apply without recording anything.
	Err error
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{seen: map[string]bool{}}
}

func (s *RecordingSink) Apply(_ context.Context, effects []models.Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, e := range effects {
		if s.seen[e.Key] {
			continue
		}
		s.seen[e.Key] = true
		s.effects = append(s.effects, e)
	}
	return nil
}

// SetErr changes the error returned by Apply while the sink is in use.
func (s *RecordingSink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Effects returns a copy of the recorded effects.
func (s *RecordingSink) Effects() []models.Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Effect(nil), s.effects...)
}

// Messages returns the text of every recorded send_message effect.
func (s *RecordingSink) Messages() []string {
	var out []string
	for _, e := range s.Effects() {
		if e.Kind == models.EffectSendMessage && e.Message != nil {
			out = append(out, e.Message.Text)
		}
	}
	return out
}
