// Package effects carries out the side effects declared by conversation steps.
package effects

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/messaging"
	"github.com/BTreeMap/LeadFlow/internal/models"
)

// Messenger queues outbound messages. The key deduplicates repeated effects.
type Messenger interface {
	Enqueue(ctx context.Context, conversationID, to, key, kind string, msg models.OutboundMessage) (string, error)
}

// LeadWriter reads leads and applies idempotent CRM changes.
type LeadWriter interface {
	Lead(ctx context.Context, id string) (*models.Lead, error)
	UpdateField(ctx context.Context, key, leadID, field, value string) (bool, error)
	MoveStage(ctx context.Context, key, leadID, funnelID, stageID string) (bool, error)
}

// Dispatcher routes effects to the messaging and CRM adapters. Every adapter
// write is keyed by the effect key, so applying a batch again after a partial
// failure does not repeat the writes that already succeeded.
type Dispatcher struct {
	messenger    Messenger
	leads        LeadWriter
	handoffPhone string
}

var _ flow.EffectSink = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. handoffPhone receives human transfer
// notifications that do not name their own number.
func NewDispatcher(messenger Messenger, leads LeadWriter, handoffPhone string) *Dispatcher {
	return &Dispatcher{messenger: messenger, leads: leads, handoffPhone: handoffPhone}
}

// Apply carries out effects in order and stops at the first failure.
func (d *Dispatcher) Apply(ctx context.Context, effects []models.Effect) error {
	phones := map[string]string{}
	for _, e := range effects {
		if err := d.apply(ctx, e, phones); err != nil {
			return fmt.Errorf("effect %s (%s): %w", e.Key, e.Kind, err)
		}
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, e models.Effect, phones map[string]string) error {
	switch e.Kind {
	case models.EffectSendMessage:
		if e.Message == nil {
			return nil
		}
		to, err := d.phoneOf(ctx, e.LeadID, phones)
		if err != nil {
			return err
		}
		_, err = d.messenger.Enqueue(ctx, e.ConversationID, to, e.Key, messaging.KindText, *e.Message)
		return err

	case models.EffectNotifyHuman:
		to := e.NotifyPhone
		if to == "" {
			to = d.handoffPhone
		}
		if to == "" {
			slog.Warn("Dispatcher.apply: human transfer without a phone to notify", "conversationID", e.ConversationID, "nodeID", e.NodeID)
			return nil
		}
		_, err := d.messenger.Enqueue(ctx, e.ConversationID, to, e.Key, messaging.KindNotification, models.OutboundMessage{Text: e.Notification})
		return err

	case models.EffectUpdateLeadField:
		_, err := d.leads.UpdateField(ctx, e.Key, e.LeadID, e.Field, e.Value)
		return err

	case models.EffectMoveFunnelStage:
		_, err := d.leads.MoveStage(ctx, e.Key, e.LeadID, e.FunnelID, e.StageID)
		return err

	case models.EffectEndConversation:
		slog.Info("Dispatcher.apply: conversation ended", "conversationID", e.ConversationID, "leadID", e.LeadID, "reason", e.Reason)
		return nil

	default:
		slog.Warn("Dispatcher.apply: unknown effect kind ignored", "kind", e.Kind, "key", e.Key)
		return nil
	}
}

func (d *Dispatcher) phoneOf(ctx context.Context, leadID string, cache map[string]string) (string, error) {
	if phone, ok := cache[leadID]; ok {
		return phone, nil
	}
	lead, err := d.leads.Lead(ctx, leadID)
	if err != nil {
		return "", fmt.Errorf("lookup lead %s: %w", leadID, err)
	}
	if lead.Phone == "" {
		return "", fmt.Errorf("lead %s: %w", leadID, models.ErrEmptyPhone)
	}
	cache[leadID] = lead.Phone
	return lead.Phone, nil
}
