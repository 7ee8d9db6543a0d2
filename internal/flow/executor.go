package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
)

// DefaultMaxHops bounds how many nodes one step may enter.
const DefaultMaxHops = 256

// DefaultHandoffNotification is sent to the hand-off phone when a node does
// not define its own notification text.
const DefaultHandoffNotification = "Lead {{lead_name}} ({{lead_phone}}) pediu atendimento humano."

var (
	// ErrConversationEnded is returned for events addressed to a halted conversation.
	ErrConversationEnded = errors.New("conversation has ended")
	// ErrUnknownNode is returned when a conversation points at a node its flow lacks.
	ErrUnknownNode = errors.New("current node not found in flow")
)

// DocumentValidator evaluates validation criteria against a received document.
type DocumentValidator interface {
	ValidateDocument(ctx context.Context, doc models.Attachment, documentType, criteria string) (bool, error)
}

// Transition records one decision taken during a step.
type Transition struct {
	From       string
	To         string
	DecisionID string
	Condition  string
}

// Step is the outcome of executing one event against a conversation. State is
// a new value; the input state is never modified.
type Step struct {
	State       *models.ConversationState
	Effects     []models.Effect
	Transitions []Transition
	Fallbacks   []models.FallbackAction
	TimedOut    bool
	Halted      bool
	// Ignored is set for duplicate events and stale timer ticks.
	Ignored bool
}

// Executor runs the node contracts of one flow. It performs no I/O besides
// the intent matcher and document validator, and declares side effects
// instead of performing them.
type Executor struct {
	flow         *graph.Flow
	matcher      *ConditionMatcher
	fallback     FallbackController
	validator    DocumentValidator
	handoffPhone string
	now          func() time.Time
	maxHops      int
}

// ExecutorOpts configures an Executor.
type ExecutorOpts struct {
	Intents      IntentMatcher
	Validator    DocumentValidator
	HandoffPhone string
	Now          func() time.Time
	MaxHops      int
}

// NewExecutor creates an executor for a compiled flow.
func NewExecutor(f *graph.Flow, opts ExecutorOpts) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	return &Executor{
		flow:         f,
		matcher:      NewConditionMatcher(opts.Intents),
		validator:    opts.Validator,
		handoffPhone: opts.HandoffPhone,
		now:          opts.Now,
		maxHops:      opts.MaxHops,
	}
}

// Flow returns the flow the executor runs.
func (e *Executor) Flow() *graph.Flow { return e.flow }

// Start enters the flow's start node for a fresh conversation state.
func (e *Executor) Start(ctx context.Context, state *models.ConversationState) (*Step, error) {
	r := e.newRun(ctx, state)
	slog.Debug("Executor.Start", "conversationID", state.ID, "flowID", e.flow.ID())
	r.enter(e.flow.Start())
	return r.step, nil
}

// Handle applies one inbound event to the conversation's current node.
func (e *Executor) Handle(ctx context.Context, state *models.ConversationState, ev models.InboundEvent) (*Step, error) {
	if !state.IsActive() {
		return nil, ErrConversationEnded
	}
	if state.SeenEvent(ev.ID) {
		slog.Debug("Executor.Handle: duplicate event ignored", "conversationID", state.ID, "eventID", ev.ID)
		return &Step{State: state.Clone(), Ignored: true}, nil
	}
	node, ok := e.flow.Node(state.CurrentNodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, state.CurrentNodeID)
	}

	r := e.newRun(ctx, state)
	st := r.step.State

	switch ev.Kind {
	case models.EventTimer:
		if ev.Token != st.NodeInstance || st.DeadlineAt == nil || node.Type != models.NodeRequestDocument {
			slog.Debug("Executor.Handle: stale timer ignored", "conversationID", st.ID, "token", ev.Token, "nodeInstance", st.NodeInstance)
			return &Step{State: state.Clone(), Ignored: true}, nil
		}
		st.RememberEvent(ev.ID)
		r.onTimeout(node)

	case models.EventAttachment:
		st.RememberEvent(ev.ID)
		r.onAttachment(node, *ev.Attachment)

	case models.EventText:
		st.RememberEvent(ev.ID)
		st.LastInput = ev.Text
		r.onText(node, ev.Text)

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidEvent, ev.Kind)
	}
	return r.step, nil
}

func (e *Executor) newRun(ctx context.Context, state *models.ConversationState) *run {
	st := state.Clone()
	if st.Variables == nil {
		st.Variables = map[string]models.Value{}
	}
	st.UpdatedAt = e.now()
	return &run{
		ex:   e,
		ctx:  ctx,
		vars: Variables(st.Variables),
		step: &Step{State: st},
	}
}

// run carries the mutable context of one Start or Handle call.
type run struct {
	ex   *Executor
	ctx  context.Context
	vars Variables
	step *Step
	hops int
}

func (r *run) state() *models.ConversationState { return r.step.State }

func (r *run) onTimeout(node *models.Node) {
	st := r.state()
	st.DeadlineAt = nil
	r.step.TimedOut = true
	slog.Info("Executor: document request timed out", "conversationID", st.ID, "nodeID", node.ID)
	if !r.fire(node, eventSignal(models.ConditionTimeout), nil) {
		r.halt(node, models.EndTimeout)
	}
}

func (r *run) onAttachment(node *models.Node, att models.Attachment) {
	value := models.AttachmentValue(att)
	switch p := node.Payload.(type) {
	case *models.RequestDocumentPayload:
		d := r.resolve(node, eventSignal(models.ConditionDocumentReceived))
		if d == nil {
			slog.Warn("Executor: attachment received but node has no documento_recebido decision", "conversationID", r.state().ID, "nodeID", node.ID)
			return
		}
		r.state().DeadlineAt = nil
		if p.SaveVariable != "" {
			r.vars.Set(p.SaveVariable, value)
		}
		r.take(node, *d, &value)
	case *models.StartPayload, *models.AskQuestionPayload, *models.BranchDecisionPayload:
		r.answer(node, att.Caption, value)
	default:
		slog.Debug("Executor: attachment ignored at non-waiting node", "conversationID", r.state().ID, "nodeID", node.ID)
	}
}

func (r *run) onText(node *models.Node, text string) {
	switch node.Payload.(type) {
	case *models.StartPayload, *models.AskQuestionPayload, *models.BranchDecisionPayload:
		r.answer(node, text, models.StringValue(text))
	default:
		slog.Debug("Executor: text ignored while waiting", "conversationID", r.state().ID, "nodeID", node.ID, "nodeType", node.Type)
	}
}

// answer resolves a reply at a free-text node, falling back when nothing matches.
func (r *run) answer(node *models.Node, text string, input models.Value) {
	if d := r.resolve(node, textSignal(text)); d != nil {
		r.take(node, *d, &input)
		return
	}
	r.applyFallback(node)
}

func (r *run) resolve(node *models.Node, sig Signal) *models.Decision {
	return r.ex.matcher.Resolve(r.ctx, r.ex.flow.Outgoing(node.ID), sig, r.vars)
}

// fire takes the decision matching sig, if any.
func (r *run) fire(node *models.Node, sig Signal, input *models.Value) bool {
	d := r.resolve(node, sig)
	if d == nil {
		return false
	}
	r.take(node, *d, input)
	return true
}

// take follows decision d out of node, binding input into the decision's action.
func (r *run) take(node *models.Node, d models.Decision, input *models.Value) {
	st := r.state()
	if d.Action != "" && input != nil {
		r.vars.Set(d.Action, *input)
	}
	delete(st.Attempts, node.ID)
	r.step.Transitions = append(r.step.Transitions, Transition{From: node.ID, To: d.TargetNodeID, DecisionID: d.ID, Condition: d.Condition})
	slog.Debug("Executor: transition", "conversationID", st.ID, "from", node.ID, "to", d.TargetNodeID, "condition", d.Condition)

	target, ok := r.ex.flow.Node(d.TargetNodeID)
	if !ok {
		slog.Error("Executor: decision target missing", "conversationID", st.ID, "decisionID", d.ID, "target", d.TargetNodeID)
		r.halt(node, models.EndError)
		return
	}
	r.enter(target)
}

// continueDefault leaves an auto-continue node through its default decision.
// A node with no way out completes the conversation.
func (r *run) continueDefault(node *models.Node) {
	if d, ok := r.ex.flow.Default(node.ID); ok {
		r.take(node, d, nil)
		return
	}
	slog.Warn("Executor: node has no outgoing decision, completing conversation", "conversationID", r.state().ID, "nodeID", node.ID)
	r.halt(node, models.EndCompleted)
}

// enter makes node current and runs its contract.
func (r *run) enter(node *models.Node) {
	if r.step.Halted {
		return
	}
	st := r.state()
	r.hops++
	if r.hops > r.ex.maxHops {
		slog.Error("Executor: hop limit exceeded, ending conversation", "conversationID", st.ID, "nodeID", node.ID, "maxHops", r.ex.maxHops)
		r.halt(node, models.EndError)
		return
	}
	st.CurrentNodeID = node.ID
	st.NodeInstance++
	st.DeadlineAt = nil

	switch p := node.Payload.(type) {
	case *models.StartPayload:
		r.sendNodeMessages(node)
		if r.ex.flow.OnlyAlways(node.ID) {
			r.continueDefault(node)
		}

	case *models.AskQuestionPayload:
		r.sendNodeMessages(node)

	case *models.BranchDecisionPayload:
		r.sendNodeMessages(node)
		if st.LastInput == "" {
			return
		}
		r.answer(node, st.LastInput, models.StringValue(st.LastInput))

	case *models.SendMessagePayload:
		r.sendNodeMessages(node)
		r.continueDefault(node)

	case *models.SendLinkPayload:
		r.sendNodeMessages(node)
		url := r.vars.Interpolate(p.URL)
		if !r.messagesMention(node, p.URL) {
			r.send(node, models.OutboundMessage{Text: url, MediaKind: models.MediaText})
		}
		r.continueDefault(node)

	case *models.SendMediaPayload:
		r.sendNodeMessages(node)
		kind := p.MediaKind
		if kind == "" {
			kind = models.MediaImage
		}
		r.send(node, models.OutboundMessage{
			Text:      r.vars.Interpolate(p.Caption),
			MediaKind: kind,
			MediaURL:  r.vars.Interpolate(p.MediaURL),
		})
		r.continueDefault(node)

	case *models.ProvideInstructionsPayload:
		r.sendNodeMessages(node)
		if len(p.Instructions) > 0 {
			lines := make([]string, 0, len(p.Instructions))
			for i, step := range p.Instructions {
				lines = append(lines, fmt.Sprintf("%d. %s", i+1, r.vars.Interpolate(step)))
			}
			r.send(node, models.OutboundMessage{Text: strings.Join(lines, "\n"), MediaKind: models.MediaText})
		}
		r.continueDefault(node)

	case *models.RequestDocumentPayload:
		if p.CheckField != "" && !r.vars.IsEmpty(p.CheckField) {
			if r.fire(node, eventSignal(models.ConditionDocumentReceived), nil) {
				return
			}
		}
		r.sendNodeMessages(node)
		if p.TimeoutMs > 0 {
			deadline := r.ex.now().Add(time.Duration(p.TimeoutMs) * time.Millisecond)
			st.DeadlineAt = &deadline
		}

	case *models.ValidateDocumentPayload:
		r.sendNodeMessages(node)
		sentinel := models.ConditionDocumentInvalid
		if r.documentValid(node, p) {
			sentinel = models.ConditionDocumentValid
		}
		if !r.fire(node, eventSignal(sentinel), nil) {
			r.continueDefault(node)
		}

	case *models.CheckIfDonePayload:
		sentinel := models.ConditionNotDoneYet
		if EvaluateCheck(r.vars, p.CheckField, p.CheckOperator, r.vars.Interpolate(p.CheckValue)) {
			sentinel = models.ConditionAlreadyDone
		}
		if !r.fire(node, eventSignal(sentinel), nil) {
			r.continueDefault(node)
		}

	case *models.RetryWithVariationPayload:
		if st.Retries == nil {
			st.Retries = map[string]int{}
		}
		n := st.Retries[node.ID] + 1
		if n <= p.MaxRetries {
			st.Retries[node.ID] = n
			variation := p.Variations[(n-1)%len(p.Variations)]
			r.send(node, models.OutboundMessage{Text: r.vars.Interpolate(variation), MediaKind: models.MediaText})
			if !r.fire(node, eventSignal(models.ConditionSuccess), nil) {
				r.continueDefault(node)
			}
			return
		}
		delete(st.Retries, node.ID)
		if !r.fire(node, eventSignal(models.ConditionLimitReached), nil) {
			r.continueDefault(node)
		}

	case *models.UpdateLeadDataPayload:
		for _, u := range p.FieldUpdates {
			value := r.vars.Interpolate(u.Value)
			r.emit(node, models.Effect{Kind: models.EffectUpdateLeadField, Field: u.Field, Value: value})
			r.vars.Set(u.Field, models.StringValue(value))
		}
		r.continueDefault(node)

	case *models.MoveLeadInFunnelPayload:
		r.sendNodeMessages(node)
		r.emit(node, models.Effect{Kind: models.EffectMoveFunnelStage, FunnelID: p.FunnelID, StageID: p.StageID})
		r.continueDefault(node)

	case *models.TransferToHumanPayload:
		r.notifyHuman(node, p.NotifyPhone, p.NotificationMessage)
		if p.FunnelID != "" && p.StageID != "" {
			r.emit(node, models.Effect{Kind: models.EffectMoveFunnelStage, FunnelID: p.FunnelID, StageID: p.StageID})
		}
		r.sendNodeMessages(node)
		if d, ok := r.ex.flow.Default(node.ID); ok {
			r.take(node, d, nil)
			return
		}
		r.halt(node, models.EndTransferred)

	case *models.EndConversationPayload:
		r.sendNodeMessages(node)
		reason := p.Reason
		if reason == "" {
			reason = models.EndCompleted
		}
		r.halt(node, reason)

	default:
		slog.Error("Executor: node without payload", "conversationID", st.ID, "nodeID", node.ID, "nodeType", node.Type)
		r.halt(node, models.EndError)
	}
}

func (r *run) applyFallback(node *models.Node) {
	st := r.state()
	cfg := node.Fallback()
	_, hasDefault := r.ex.flow.Default(node.ID)
	out := r.ex.fallback.Resolve(node.ID, cfg, st.Attempts[node.ID], hasDefault)
	if cfg != nil {
		r.step.Fallbacks = append(r.step.Fallbacks, cfg.Acao)
	}
	slog.Debug("Executor: fallback", "conversationID", st.ID, "nodeID", node.ID, "outcome", out.Kind.String(), "attempts", out.Attempts)

	switch out.Kind {
	case FallbackReprompt:
		if st.Attempts == nil {
			st.Attempts = map[string]int{}
		}
		st.Attempts[node.ID] = out.Attempts
		if out.Message != "" {
			r.send(node, models.OutboundMessage{Text: r.vars.Interpolate(out.Message), MediaKind: models.MediaText})
		} else {
			r.sendNodeMessages(node)
		}

	case FallbackTransfer:
		delete(st.Attempts, node.ID)
		if out.Message != "" {
			r.send(node, models.OutboundMessage{Text: r.vars.Interpolate(out.Message), MediaKind: models.MediaText})
		}
		r.notifyHuman(node, "", "")
		r.halt(node, models.EndTransferred)

	case FallbackContinue:
		if out.Message != "" {
			r.send(node, models.OutboundMessage{Text: r.vars.Interpolate(out.Message), MediaKind: models.MediaText})
		}
		r.continueDefault(node)

	case FallbackStall:
		if out.Attempts > 0 {
			if st.Attempts == nil {
				st.Attempts = map[string]int{}
			}
			st.Attempts[node.ID] = out.Attempts
		}
	}
}

func (r *run) documentValid(node *models.Node, p *models.ValidateDocumentPayload) bool {
	val, ok := r.vars.Get(p.DocumentVariable)
	if !ok || val.IsEmpty() {
		return false
	}
	if r.ex.validator == nil {
		return true
	}
	doc := models.Attachment{Reference: val.Text()}
	if val.Attachment != nil {
		doc = *val.Attachment
	}
	documentType := ""
	for _, n := range r.ex.flow.Nodes() {
		if req, ok := n.Payload.(*models.RequestDocumentPayload); ok && req.SaveVariable == p.DocumentVariable {
			documentType = req.DocumentType
			break
		}
	}
	valid, err := r.ex.validator.ValidateDocument(r.ctx, doc, documentType, r.vars.Interpolate(p.ValidationCriteria))
	if err != nil {
		slog.Warn("Executor: document validator failed, treating document as invalid", "conversationID", r.state().ID, "nodeID", node.ID, "error", err)
		return false
	}
	return valid
}

func (r *run) notifyHuman(node *models.Node, phone, message string) {
	if phone == "" {
		phone = r.ex.handoffPhone
	}
	if message == "" {
		message = DefaultHandoffNotification
	}
	r.emit(node, models.Effect{
		Kind:         models.EffectNotifyHuman,
		NotifyPhone:  phone,
		Notification: r.vars.Interpolate(message),
	})
}

func (r *run) halt(node *models.Node, reason models.EndReason) {
	if r.step.Halted {
		return
	}
	st := r.state()
	now := r.ex.now()
	r.emit(node, models.Effect{Kind: models.EffectEndConversation, Reason: reason})
	st.Status = models.ConversationEnded
	st.EndReason = reason
	st.EndedAt = &now
	st.DeadlineAt = nil
	r.step.Halted = true
	slog.Info("Executor: conversation ended", "conversationID", st.ID, "nodeID", node.ID, "reason", reason)
}

func (r *run) sendNodeMessages(node *models.Node) {
	for _, m := range node.Messages {
		msg := models.OutboundMessage{MediaKind: m.MediaKind, DelayMs: m.DelayMs}
		switch m.MediaKind {
		case models.MediaImage, models.MediaVideo:
			msg.MediaURL = r.vars.Interpolate(m.Content)
		default:
			msg.MediaKind = models.MediaText
			msg.Text = r.vars.Interpolate(m.Content)
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
		}
		r.send(node, msg)
	}
}

func (r *run) messagesMention(node *models.Node, s string) bool {
	for _, m := range node.Messages {
		if strings.Contains(m.Content, s) {
			return true
		}
	}
	return false
}

func (r *run) send(node *models.Node, msg models.OutboundMessage) {
	r.emit(node, models.Effect{Kind: models.EffectSendMessage, Message: &msg})
}

// emit declares an effect. Keys derive from the committed effect sequence, so
// re-executing the same event from the same state yields the same keys.
func (r *run) emit(node *models.Node, eff models.Effect) {
	st := r.state()
	st.EffectSeq++
	eff.Key = fmt.Sprintf("%s:%d:%s", st.ID, st.EffectSeq, eff.Kind)
	eff.ConversationID = st.ID
	eff.LeadID = st.LeadID
	eff.NodeID = node.ID
	r.step.Effects = append(r.step.Effects, eff)
}
