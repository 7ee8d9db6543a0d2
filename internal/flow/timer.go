package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// timerEntry tracks information about an armed deadline
type timerEntry struct {
	id          string
	timer       *time.Timer
	token       int64
	scheduledAt time.Time
	expiresAt   time.Time
}

// SimpleTimer implements the Timer interface using Go's standard time package.
// Deadlines are keyed by conversation id, so arming replaces the previous one.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

var _ Timer = (*SimpleTimer)(nil)

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	slog.Debug("Creating SimpleTimer")
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

// Arm schedules fire(token) at the given time. A time in the past fires
// immediately on a separate goroutine.
func (t *SimpleTimer) Arm(conversationID string, token int64, at time.Time, fire func(token int64)) {
	now := time.Now()
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.timers[conversationID]; ok {
		prev.timer.Stop()
	}
	t.nextID++
	entry := &timerEntry{
		id:          fmt.Sprintf("timer_%d", t.nextID),
		token:       token,
		scheduledAt: now,
		expiresAt:   at,
	}
	entry.timer = time.AfterFunc(delay, func() {
		slog.Debug("SimpleTimer firing deadline", "id", entry.id, "conversationID", conversationID, "token", token)
		t.mu.Lock()
		if current, ok := t.timers[conversationID]; ok && current == entry {
			delete(t.timers, conversationID)
		}
		t.mu.Unlock()
		fire(token)
	})
	t.timers[conversationID] = entry

	slog.Debug("SimpleTimer Arm succeeded", "id", entry.id, "conversationID", conversationID, "token", token, "delay", delay)
}

// Disarm cancels the conversation's pending deadline.
func (t *SimpleTimer) Disarm(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[conversationID]; exists {
		entry.timer.Stop()
		delete(t.timers, conversationID)
		slog.Debug("SimpleTimer Disarm succeeded", "id", entry.id, "conversationID", conversationID)
	}
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	slog.Debug("SimpleTimer stopping all timers", "count", len(t.timers))
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[string]*timerEntry)
	slog.Info("SimpleTimer stopped all timers")
}

// ListActive returns information about all armed deadlines.
func (t *SimpleTimer) ListActive() []models.TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]models.TimerInfo, 0, len(t.timers))
	now := time.Now()

	for conversationID, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}

		result = append(result, models.TimerInfo{
			ID:             entry.id,
			ConversationID: conversationID,
			Token:          entry.token,
			ScheduledAt:    entry.scheduledAt,
			ExpiresAt:      entry.expiresAt,
			Remaining:      remaining.Round(time.Millisecond).String(),
		})
	}

	slog.Debug("SimpleTimer ListActive", "count", len(result))
	return result
}

// Armed reports whether a deadline is pending for the conversation.
func (t *SimpleTimer) Armed(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.timers[conversationID]
	return ok
}
