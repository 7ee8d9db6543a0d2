package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/BTreeMap/LeadFlow/internal/util"
)

// LeadDirectory returns the lead with a phone number, registering it on first
// contact.
type LeadDirectory interface {
	Register(ctx context.Context, phone, name string) (*models.Lead, error)
}

// Conversations is the part of the flow runtime the router drives.
type Conversations interface {
	ActiveConversation(ctx context.Context, leadID string) (*models.ConversationState, error)
	Start(ctx context.Context, flowID string, lead models.Lead) (*models.ConversationState, error)
	Deliver(ctx context.Context, ev models.InboundEvent) error
}

// InboundRouter turns channel messages into conversation events. A message
// from a lead with an active conversation is delivered to it; otherwise the
// default flow is started for the lead and the message only opens the
// conversation.
type InboundRouter struct {
	conversations Conversations
	leads         LeadDirectory
	dedup         store.DedupRepo
	defaultFlowID string
	now           func() time.Time
}

// NewInboundRouter creates a router. dedup may be nil; the conversation's own
// processed-event window still drops replays of recent message ids.
func NewInboundRouter(conversations Conversations, leads LeadDirectory, dedup store.DedupRepo, defaultFlowID string) *InboundRouter {
	return &InboundRouter{
		conversations: conversations,
		leads:         leads,
		dedup:         dedup,
		defaultFlowID: defaultFlowID,
		now:           time.Now,
	}
}

// Run routes messages from the channel until ctx is done or the channel closes.
func (r *InboundRouter) Run(ctx context.Context, inbound <-chan models.InboundMessage) {
	slog.Info("InboundRouter.Run: routing inbound messages", "defaultFlowID", r.defaultFlowID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("InboundRouter.Run: stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("InboundRouter.Run: inbound channel closed")
				return
			}
			if err := r.Route(ctx, msg); err != nil {
				slog.Error("InboundRouter.Run: route failed", "from", msg.From, "id", msg.ID, "error", err)
			}
		}
	}
}

// Route handles one inbound message.
func (r *InboundRouter) Route(ctx context.Context, msg models.InboundMessage) error {
	phone, err := CanonicalPhone(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if msg.ID == "" {
		msg.ID = util.GenerateEventID()
	}

	if r.dedup != nil {
		fresh, err := r.dedup.RecordInbound(ctx, msg.ID, phone)
		if err != nil {
			return fmt.Errorf("record inbound message: %w", err)
		}
		if !fresh {
			slog.Debug("InboundRouter.Route: duplicate message dropped", "id", msg.ID, "from", phone)
			return nil
		}
	}

	lead, err := r.leads.Register(ctx, phone, msg.Name)
	if err != nil {
		r.forget(ctx, msg.ID)
		return fmt.Errorf("resolve lead: %w", err)
	}

	if err := r.dispatch(ctx, lead, msg); err != nil {
		r.forget(ctx, msg.ID)
		return err
	}

	if r.dedup != nil {
		if err := r.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("InboundRouter.Route: mark processed failed", "id", msg.ID, "error", err)
		}
	}
	return nil
}

// forget drops the dedup record of a message that could not be handled, so
// the channel's redelivery is routed again instead of dropped.
func (r *InboundRouter) forget(ctx context.Context, id string) {
	if r.dedup == nil {
		return
	}
	if err := r.dedup.ForgetInbound(ctx, id); err != nil {
		slog.Warn("InboundRouter.Route: forget failed message", "id", id, "error", err)
	}
}

func (r *InboundRouter) dispatch(ctx context.Context, lead *models.Lead, msg models.InboundMessage) error {
	active, err := r.conversations.ActiveConversation(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("lookup active conversation: %w", err)
	}
	if active == nil {
		return r.start(ctx, lead)
	}

	ev := models.InboundEvent{
		ID:             msg.ID,
		ConversationID: active.ID,
		Kind:           models.EventText,
		Text:           msg.Text,
		ReceivedAt:     r.received(msg),
	}
	if msg.Attachment != nil {
		ev.Kind = models.EventAttachment
		ev.Attachment = msg.Attachment
		ev.Text = ""
	}

	err = r.conversations.Deliver(ctx, ev)
	switch {
	case err == nil:
		slog.Debug("InboundRouter.dispatch: event delivered", "conversationID", active.ID, "eventID", ev.ID, "kind", ev.Kind)
		return nil
	case errors.Is(err, flow.ErrConversationEnded), errors.Is(err, flow.ErrConversationNotFound):
		slog.Info("InboundRouter.dispatch: conversation ended, starting a new one", "conversationID", active.ID, "leadID", lead.ID)
		return r.start(ctx, lead)
	default:
		return fmt.Errorf("deliver to conversation %s: %w", active.ID, err)
	}
}

func (r *InboundRouter) start(ctx context.Context, lead *models.Lead) error {
	if r.defaultFlowID == "" {
		slog.Warn("InboundRouter.start: no default flow configured, message ignored", "leadID", lead.ID)
		return nil
	}
	state, err := r.conversations.Start(ctx, r.defaultFlowID, *lead)
	if err != nil {
		if errors.Is(err, flow.ErrLeadBusy) {
			// Another message started the conversation concurrently.
			return nil
		}
		return fmt.Errorf("start conversation: %w", err)
	}
	slog.Info("InboundRouter.start: conversation started", "conversationID", state.ID, "leadID", lead.ID, "flowID", r.defaultFlowID)
	return nil
}

func (r *InboundRouter) received(msg models.InboundMessage) time.Time {
	if msg.Time > 0 {
		return time.Unix(msg.Time, 0)
	}
	return r.now()
}
