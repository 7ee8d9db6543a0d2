package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/util"
)

var (
	// ErrFlowNotActive is returned when a conversation needs a flow that was not activated.
	ErrFlowNotActive = errors.New("flow is not active")
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrLeadBusy is returned when a lead already has an active conversation.
	ErrLeadBusy = errors.New("lead already has an active conversation")
)

// Opts holds configuration for the Runtime.
type Opts struct {
	Intents       IntentMatcher
	Validator     DocumentValidator
	Observer      Observer
	Timer         Timer
	HandoffPhone  string
	Now           func() time.Time
	MaxHops       int
	EffectRetries int
	EffectBackoff time.Duration
	MailboxSize   int
}

// Option configures the Runtime.
type Option func(*Opts)

// WithIntentMatcher sets the matcher used for free-text decisions.
func WithIntentMatcher(m IntentMatcher) Option {
	return func(o *Opts) { o.Intents = m }
}

// WithDocumentValidator sets the validator used by validate_document nodes.
func WithDocumentValidator(v DocumentValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// WithTimer replaces the default SimpleTimer.
func WithTimer(t Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithHandoffPhone sets the phone notified on human transfers without their own number.
func WithHandoffPhone(phone string) Option {
	return func(o *Opts) { o.HandoffPhone = phone }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithMaxHops bounds the nodes one step may enter.
func WithMaxHops(n int) Option {
	return func(o *Opts) { o.MaxHops = n }
}

// WithEffectRetry sets how often a failed effect batch is retried and the initial backoff.
func WithEffectRetry(retries int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.EffectRetries = retries
		o.EffectBackoff = backoff
	}
}

// WithMailboxSize sets the per-conversation event buffer.
func WithMailboxSize(n int) Option {
	return func(o *Opts) { o.MailboxSize = n }
}

// Runtime owns the activated flows and one task per active conversation.
type Runtime struct {
	opts     Opts
	states   StateManager
	sink     EffectSink
	timer    Timer
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu       sync.Mutex
	mu            sync.RWMutex
	executors     map[string]*Executor
	conversations map[string]*conversation
}

// NewRuntime creates a runtime persisting through states and applying effects through sink.
func NewRuntime(states StateManager, sink EffectSink, opts ...Option) *Runtime {
	cfg := Opts{
		Now:           time.Now,
		MaxHops:       DefaultMaxHops,
		EffectRetries: 3,
		EffectBackoff: 200 * time.Millisecond,
		MailboxSize:   32,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timer == nil {
		cfg.Timer = NewSimpleTimer()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("NewRuntime", "handoffPhoneSet", cfg.HandoffPhone != "", "maxHops", cfg.MaxHops)
	return &Runtime{
		opts:          cfg,
		states:        states,
		sink:          sink,
		timer:         cfg.Timer,
		observer:      cfg.Observer,
		ctx:           ctx,
		cancel:        cancel,
		executors:     make(map[string]*Executor),
		conversations: make(map[string]*conversation),
	}
}

// Activate makes a compiled flow available for new and resumed conversations.
// Activating a flow id again replaces it for subsequent steps.
func (rt *Runtime) Activate(f *graph.Flow) {
	exec := NewExecutor(f, ExecutorOpts{
		Intents:      rt.opts.Intents,
		Validator:    rt.opts.Validator,
		HandoffPhone: rt.opts.HandoffPhone,
		Now:          rt.opts.Now,
		MaxHops:      rt.opts.MaxHops,
	})
	rt.mu.Lock()
	rt.executors[f.ID()] = exec
	rt.mu.Unlock()
	slog.Info("Runtime.Activate: flow activated", "flowID", f.ID(), "nodes", f.NodeCount())
}

// Deactivate stops new conversations on a flow. Running conversations keep
// their executor.
func (rt *Runtime) Deactivate(flowID string) {
	rt.mu.Lock()
	delete(rt.executors, flowID)
	rt.mu.Unlock()
	slog.Info("Runtime.Deactivate: flow deactivated", "flowID", flowID)
}

// ActiveFlows lists the ids of activated flows.
func (rt *Runtime) ActiveFlows() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.executors))
	for id := range rt.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rt *Runtime) executor(flowID string) (*Executor, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	exec, ok := rt.executors[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotActive, flowID)
	}
	return exec, nil
}

// Start begins a conversation on flowID for lead and runs it until its first
// wait or end. The variable store is seeded with lead_id, lead_name,
// lead_phone and the lead's CRM fields.
func (rt *Runtime) Start(ctx context.Context, flowID string, lead models.Lead) (*models.ConversationState, error) {
	if err := lead.Validate(); err != nil {
		return nil, err
	}
	exec, err := rt.executor(flowID)
	if err != nil {
		return nil, err
	}

	rt.startMu.Lock()
	defer rt.startMu.Unlock()

	existing, err := rt.states.ActiveState(ctx, lead.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup active conversation: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrLeadBusy, existing.ID)
	}

	now := rt.opts.Now()
	vars := map[string]models.Value{}
	for k, v := range lead.Fields {
		vars[k] = models.StringValue(v)
	}
	vars["lead_id"] = models.StringValue(lead.ID)
	vars["lead_name"] = models.StringValue(lead.Name)
	vars["lead_phone"] = models.StringValue(lead.Phone)

	state := &models.ConversationState{
		ID:        util.GenerateConversationID(),
		LeadID:    lead.ID,
		FlowID:    flowID,
		Status:    models.ConversationActive,
		Variables: vars,
		Attempts:  map[string]int{},
		Retries:   map[string]int{},
		StartedAt: now,
		UpdatedAt: now,
	}

	step, err := exec.Start(ctx, state)
	if err != nil {
		return nil, err
	}
	// The task is visible before its first step is committed, so Reset and
	// Deliver find it instead of the half-written stored state.
	c := newConversation(rt, exec, state)
	rt.mu.Lock()
	rt.conversations[c.id] = c
	rt.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		// Reset before the first step was committed.
		c.mu.Unlock()
		rt.forget(c)
		return c.snapshot(), nil
	}
	err = c.commit(step)
	c.mu.Unlock()
	if err != nil {
		rt.forget(c)
		c.cancel()
		return nil, err
	}
	rt.observer.ConversationStarted(flowID)
	slog.Info("Runtime.Start: conversation started", "conversationID", state.ID, "flowID", flowID, "leadID", lead.ID, "node", step.State.CurrentNodeID)

	if c.isClosed() {
		rt.forget(c)
	} else {
		rt.run(c)
	}
	return c.snapshot(), nil
}

// Deliver queues an event for its conversation and returns once queued.
func (rt *Runtime) Deliver(ctx context.Context, ev models.InboundEvent) error {
	c, err := rt.prepare(ctx, &ev)
	if err != nil {
		return err
	}
	select {
	case c.mailbox <- envelope{event: ev}:
		return nil
	case <-c.done:
		return ErrConversationEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process delivers an event and waits until it has been applied, returning
// the resulting state.
func (rt *Runtime) Process(ctx context.Context, ev models.InboundEvent) (*models.ConversationState, error) {
	c, err := rt.prepare(ctx, &ev)
	if err != nil {
		return nil, err
	}
	res := make(chan result, 1)
	select {
	case c.mailbox <- envelope{event: ev, result: res}:
	case <-c.done:
		return nil, ErrConversationEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-res:
		return r.state, r.err
	case <-c.done:
		select {
		case r := <-res:
			return r.state, r.err
		default:
			return nil, ErrConversationEnded
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *Runtime) prepare(ctx context.Context, ev *models.InboundEvent) (*conversation, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = rt.opts.Now()
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return rt.conversationFor(ctx, ev.ConversationID)
}

// conversationFor returns the live task for id, resuming it from storage when
// the conversation is active but not running.
func (rt *Runtime) conversationFor(ctx context.Context, id string) (*conversation, error) {
	rt.mu.RLock()
	c, ok := rt.conversations[id]
	rt.mu.RUnlock()
	if ok {
		if c.isClosed() {
			return nil, ErrConversationEnded
		}
		return c, nil
	}

	state, err := rt.states.LoadState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if !state.IsActive() {
		return nil, ErrConversationEnded
	}
	return rt.resume(state)
}

// Resume restarts the task of a persisted active conversation and re-arms its
// deadline. An elapsed deadline fires immediately.
func (rt *Runtime) Resume(ctx context.Context, state *models.ConversationState) error {
	if !state.IsActive() {
		return ErrConversationEnded
	}
	_, err := rt.resume(state)
	return err
}

func (rt *Runtime) resume(state *models.ConversationState) (*conversation, error) {
	exec, err := rt.executor(state.FlowID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if c, ok := rt.conversations[state.ID]; ok {
		rt.mu.Unlock()
		return c, nil
	}
	c := newConversation(rt, exec, state)
	rt.conversations[state.ID] = c
	rt.wg.Add(1)
	rt.mu.Unlock()

	c.mu.Lock()
	c.rearm()
	c.mu.Unlock()
	go c.loop()
	slog.Info("Runtime.Resume: conversation resumed", "conversationID", state.ID, "flowID", state.FlowID, "node", state.CurrentNodeID)
	return c, nil
}

func (rt *Runtime) run(c *conversation) {
	rt.wg.Add(1)
	go c.loop()
}

func (rt *Runtime) forget(c *conversation) {
	rt.mu.Lock()
	if current, ok := rt.conversations[c.id]; ok && current == c {
		delete(rt.conversations, c.id)
	}
	rt.mu.Unlock()
}

// Reset cancels a conversation: its deadline is disarmed, no further effects
// are applied and it is archived with reason cancelled. A step already being
// applied completes first.
func (rt *Runtime) Reset(ctx context.Context, id string) error {
	rt.mu.RLock()
	c, live := rt.conversations[id]
	rt.mu.RUnlock()

	if live {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil
		}
		c.closed = true
		rt.timer.Disarm(id)
		c.cancel()
		st := rt.archive(c.state.Clone(), models.EndCancelled)
		if err := rt.states.SaveState(ctx, st); err != nil {
			return fmt.Errorf("save cancelled conversation: %w", err)
		}
		c.state = st
		rt.observer.ConversationEnded(c.exec.Flow().ID(), models.EndCancelled)
		slog.Info("Runtime.Reset: conversation cancelled", "conversationID", id)
		return nil
	}

	rt.timer.Disarm(id)
	state, err := rt.states.LoadState(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if !state.IsActive() {
		return nil
	}
	st := rt.archive(state, models.EndCancelled)
	if err := rt.states.SaveState(ctx, st); err != nil {
		return fmt.Errorf("save cancelled conversation: %w", err)
	}
	rt.observer.ConversationEnded(state.FlowID, models.EndCancelled)
	slog.Info("Runtime.Reset: stored conversation cancelled", "conversationID", id)
	return nil
}

// ResetLead cancels the lead's active conversation, if any.
func (rt *Runtime) ResetLead(ctx context.Context, leadID string) error {
	state, err := rt.states.ActiveState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	return rt.Reset(ctx, state.ID)
}

func (rt *Runtime) archive(st *models.ConversationState, reason models.EndReason) *models.ConversationState {
	now := rt.opts.Now()
	st.Status = models.ConversationEnded
	st.EndReason = reason
	st.EndedAt = &now
	st.UpdatedAt = now
	st.DeadlineAt = nil
	return st
}

// State returns the current state of a conversation, live or stored.
func (rt *Runtime) State(ctx context.Context, id string) (*models.ConversationState, error) {
	rt.mu.RLock()
	c, ok := rt.conversations[id]
	rt.mu.RUnlock()
	if ok {
		return c.snapshot(), nil
	}
	state, err := rt.states.LoadState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return state, nil
}

// ActiveConversation returns the lead's active conversation, or nil.
func (rt *Runtime) ActiveConversation(ctx context.Context, leadID string) (*models.ConversationState, error) {
	return rt.states.ActiveState(ctx, leadID)
}

// Running returns the number of live conversation tasks.
func (rt *Runtime) Running() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.conversations)
}

// ActiveTimers describes every armed deadline.
func (rt *Runtime) ActiveTimers() []models.TimerInfo {
	return rt.timer.ListActive()
}

// Stop cancels all conversation tasks and timers and waits for the tasks to exit.
func (rt *Runtime) Stop() {
	slog.Info("Runtime.Stop: stopping conversations", "running", rt.Running())
	rt.cancel()
	rt.timer.Stop()
	rt.wg.Wait()
}

func (rt *Runtime) applyEffects(ctx context.Context, effects []models.Effect) error {
	if len(effects) == 0 {
		return nil
	}
	backoff := rt.opts.EffectBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = rt.sink.Apply(ctx, effects); err == nil {
			return nil
		}
		if attempt >= rt.opts.EffectRetries {
			return err
		}
		slog.Warn("Runtime.applyEffects: retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (rt *Runtime) observe(flowID string, step *Step) {
	for _, t := range step.Transitions {
		rt.observer.Transition(flowID, t.Condition)
	}
	for _, a := range step.Fallbacks {
		rt.observer.Fallback(flowID, a)
	}
	if step.TimedOut {
		rt.observer.Timeout(flowID)
	}
	for _, e := range step.Effects {
		rt.observer.EffectDeclared(e.Kind)
	}
	if step.Halted {
		rt.observer.ConversationEnded(flowID, step.State.EndReason)
	}
}
