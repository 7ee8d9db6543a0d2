package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

// Outbox message kinds.
const (
	KindText         = "text"
	KindMedia        = "media"
	KindNotification = "notification"
)

// ErrEmptyMessage is returned when an outbound message has neither text nor media.
var ErrEmptyMessage = errors.New("outbound message has neither text nor media")

// ReceiptRecorder persists delivery receipts.
type ReceiptRecorder interface {
	AddReceipt(ctx context.Context, r models.Receipt) error
}

// Outbound enqueues conversation messages into the durable outbox and
// delivers claimed outbox messages through a Service.
//
// Messages of one conversation are scheduled one after the other: each is due
// DelayMs after the previous one (or after now, whichever is later), so the
// send order matches the order the effects were declared in.
type Outbound struct {
	repo     store.OutboxRepo
	service  Service
	receipts ReceiptRecorder
	now      func() time.Time

	mu      sync.Mutex
	cursors map[string]time.Time
}

// NewOutbound creates an Outbound. receipts may be nil.
func NewOutbound(repo store.OutboxRepo, service Service, receipts ReceiptRecorder) *Outbound {
	return &Outbound{
		repo:     repo,
		service:  service,
		receipts: receipts,
		now:      time.Now,
		cursors:  make(map[string]time.Time),
	}
}

// Enqueue stores msg for delivery to to. key is the effect key and becomes the
// outbox dedupe key, so enqueuing the same effect twice sends it once.
func (o *Outbound) Enqueue(ctx context.Context, conversationID, to, key, kind string, msg models.OutboundMessage) (string, error) {
	if msg.Text == "" && msg.MediaURL == "" {
		return "", ErrEmptyMessage
	}
	if msg.MediaURL != "" && kind == KindText {
		kind = KindMedia
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal outbound message: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	at := o.now()
	if cursor, ok := o.cursors[conversationID]; ok && cursor.After(at) {
		at = cursor
	}
	if msg.DelayMs > 0 {
		at = at.Add(time.Duration(msg.DelayMs) * time.Millisecond)
	}

	id, err := o.repo.EnqueueOutboxMessage(ctx, store.OutboxMessage{
		ConversationID: conversationID,
		Recipient:      to,
		Kind:           kind,
		PayloadJSON:    string(payload),
		NextAttemptAt:  &at,
		DedupeKey:      key,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue outbound message: %w", err)
	}
	if conversationID != "" {
		// Same-instant sends keep their enqueue order through the claim sort.
		o.cursors[conversationID] = at.Add(time.Millisecond)
	}
	slog.Debug("Outbound.Enqueue: message queued", "id", id, "conversationID", conversationID, "kind", kind, "sendAt", at)
	return id, nil
}

// Deliver sends one claimed outbox message. It is the send function of the
// store.OutboxSender.
func (o *Outbound) Deliver(ctx context.Context, m store.OutboxMessage) error {
	var msg models.OutboundMessage
	if err := json.Unmarshal([]byte(m.PayloadJSON), &msg); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", m.ID, err)
	}
	to, err := o.service.ValidateAndCanonicalizeRecipient(m.Recipient)
	if err != nil {
		return err
	}

	if msg.MediaURL != "" && (msg.MediaKind == models.MediaImage || msg.MediaKind == models.MediaVideo) {
		err = o.service.SendMedia(ctx, to, msg.MediaKind, msg.MediaURL, msg.Text)
	} else {
		body := msg.Text
		if msg.MediaURL != "" {
			body = joinNonEmpty(msg.Text, msg.MediaURL)
		}
		err = o.service.SendMessage(ctx, to, body)
	}
	if err != nil {
		return err
	}

	o.record(ctx, models.Receipt{To: to, MessageID: m.ID, Status: models.MessageStatusSent, Time: o.now().Unix()})
	slog.Info("Outbound.Deliver: message sent", "id", m.ID, "conversationID", m.ConversationID, "kind", m.Kind)
	return nil
}

// GiveUp records a failed receipt for a message the sender stopped retrying.
func (o *Outbound) GiveUp(ctx context.Context, m store.OutboxMessage, err error) {
	slog.Error("Outbound.GiveUp: message failed permanently", "id", m.ID, "conversationID", m.ConversationID, "error", err)
	o.record(ctx, models.Receipt{To: m.Recipient, MessageID: m.ID, Status: models.MessageStatusFailed, Time: o.now().Unix()})
}

// Cancel drops every queued message of a conversation and forgets its cursor.
func (o *Outbound) Cancel(ctx context.Context, conversationID string) (int, error) {
	o.mu.Lock()
	delete(o.cursors, conversationID)
	o.mu.Unlock()

	n, err := o.repo.CancelOutboxMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("cancel outbound messages: %w", err)
	}
	if n > 0 {
		slog.Info("Outbound.Cancel: queued messages cancelled", "conversationID", conversationID, "count", n)
	}
	return n, nil
}

// TrackReceipts records delivered and read receipts from the service until
// ctx is done or the receipt channel closes. Sent receipts are recorded by
// Deliver with the outbox id and are skipped here.
func (o *Outbound) TrackReceipts(ctx context.Context) {
	ch := o.service.Receipts()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if r.Status == models.MessageStatusSent {
				continue
			}
			o.record(ctx, r)
		}
	}
}

func (o *Outbound) record(ctx context.Context, r models.Receipt) {
	if o.receipts == nil {
		return
	}
	if err := o.receipts.AddReceipt(ctx, r); err != nil {
		slog.Error("Outbound.record: failed to store receipt", "to", r.To, "status", r.Status, "error", err)
	}
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
