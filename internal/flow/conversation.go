package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// minDeadlineRetry bounds how often a failing timeout step is retried.
const minDeadlineRetry = 50 * time.Millisecond

type envelope struct {
	event  models.InboundEvent
	result chan result
}

type result struct {
	state *models.ConversationState
	err   error
}

// conversation is the task owning one active conversation. It processes
// mailbox events in arrival order and races them against its deadline.
type conversation struct {
	rt       *Runtime
	exec     *Executor
	id       string
	mailbox  chan envelope
	timeouts chan int64
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// mu is held while a step is executed and committed, and by Reset, so a
	// step is either fully applied or not at all.
	mu     sync.Mutex
	state  *models.ConversationState
	closed bool
}

func newConversation(rt *Runtime, exec *Executor, state *models.ConversationState) *conversation {
	ctx, cancel := context.WithCancel(rt.ctx)
	return &conversation{
		rt:       rt,
		exec:     exec,
		id:       state.ID,
		mailbox:  make(chan envelope, rt.opts.MailboxSize),
		timeouts: make(chan int64, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    state,
	}
}

func (c *conversation) loop() {
	defer c.rt.wg.Done()
	defer c.rt.forget(c)
	defer close(c.done)
	slog.Debug("conversation.loop: started", "conversationID", c.id)

	for {
		select {
		case <-c.ctx.Done():
			slog.Debug("conversation.loop: cancelled", "conversationID", c.id)
			return

		case env := <-c.mailbox:
			st, err := c.handle(env.event)
			if env.result != nil {
				env.result <- result{state: st, err: err}
			}

		case token := <-c.timeouts:
			ev := models.InboundEvent{
				ID:             fmt.Sprintf("timer:%d", token),
				ConversationID: c.id,
				Kind:           models.EventTimer,
				Token:          token,
				ReceivedAt:     c.rt.opts.Now(),
			}
			if _, err := c.handle(ev); err != nil && !errors.Is(err, ErrConversationEnded) {
				slog.Error("conversation.loop: timeout handling failed", "conversationID", c.id, "error", err)
			}
		}

		if c.isClosed() {
			slog.Debug("conversation.loop: finished", "conversationID", c.id)
			return
		}
	}
}

func (c *conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fire is the deadline callback. It never blocks past the task's lifetime.
func (c *conversation) fire(token int64) {
	select {
	case c.timeouts <- token:
	case <-c.done:
	case <-c.ctx.Done():
	}
}

func (c *conversation) handle(ev models.InboundEvent) (*models.ConversationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConversationEnded
	}

	started := c.rt.opts.Now()
	step, err := c.exec.Handle(c.ctx, c.state, ev)
	if err != nil {
		slog.Error("conversation.handle: step failed", "conversationID", c.id, "eventID", ev.ID, "error", err)
		return nil, err
	}
	if step.Ignored {
		return c.state.Clone(), nil
	}
	if err := c.commit(step); err != nil {
		c.retryDeadline()
		return nil, err
	}
	c.rt.observer.StepCompleted(c.exec.Flow().ID(), c.rt.opts.Now().Sub(started))
	return c.state.Clone(), nil
}

// commit applies a step's effects, then persists and adopts its state. The
// caller holds c.mu. When effects cannot be applied the previous state is kept
// and the event is left unprocessed.
func (c *conversation) commit(step *Step) error {
	if err := c.rt.applyEffects(c.ctx, step.Effects); err != nil {
		slog.Error("conversation.commit: effects not applied, state not advanced", "conversationID", c.id, "effects", len(step.Effects), "error", err)
		return fmt.Errorf("apply effects: %w", err)
	}
	if err := c.rt.states.SaveState(c.ctx, step.State); err != nil {
		slog.Error("conversation.commit: state save failed after effects were applied", "conversationID", c.id, "error", err)
	}
	c.state = step.State
	c.rt.observe(c.exec.Flow().ID(), step)
	c.rearm()
	if step.Halted {
		c.closed = true
		c.cancel()
	}
	return nil
}

// rearm replaces the pending deadline with the one recorded in the state.
func (c *conversation) rearm() {
	c.rt.timer.Disarm(c.id)
	if c.state.IsActive() && c.state.DeadlineAt != nil {
		c.rt.timer.Arm(c.id, c.state.NodeInstance, *c.state.DeadlineAt, c.fire)
	}
}

// retryDeadline re-arms the deadline of the committed state after a step could
// not be applied. A fired timer has already forgotten its entry, so the
// timeout would otherwise never be delivered again. An elapsed deadline is
// retried after a short delay.
func (c *conversation) retryDeadline() {
	if !c.state.IsActive() || c.state.DeadlineAt == nil {
		return
	}
	at := *c.state.DeadlineAt
	delay := c.rt.opts.EffectBackoff
	if delay < minDeadlineRetry {
		delay = minDeadlineRetry
	}
	if retry := time.Now().Add(delay); retry.After(at) {
		at = retry
	}
	c.rt.timer.Disarm(c.id)
	c.rt.timer.Arm(c.id, c.state.NodeInstance, at, c.fire)
	slog.Warn("conversation.retryDeadline: deadline re-armed after failed step", "conversationID", c.id, "at", at)
}

// snapshot returns a copy of the committed state.
func (c *conversation) snapshot() *models.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}
