package effects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/crm"
	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/messaging"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/BTreeMap/LeadFlow/internal/whatsapp"
)

type queued struct {
	conversationID, to, key, kind string
	msg                           models.OutboundMessage
}

type fakeMessenger struct {
	queued []queued
	err    error
}

func (m *fakeMessenger) Enqueue(_ context.Context, conversationID, to, key, kind string, msg models.OutboundMessage) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.queued = append(m.queued, queued{conversationID, to, key, kind, msg})
	return "outbox_" + key, nil
}

func newTestDispatcher(t *testing.T, handoff string) (*Dispatcher, *fakeMessenger, *crm.Adapter) {
	t.Helper()
	st := store.NewInMemoryStore()
	leads := crm.NewAdapter(st)
	if err := leads.SaveLead(context.Background(), &models.Lead{ID: "lead_1", Phone: "5511999990000", Name: "Ana"}); err != nil {
		t.Fatalf("SaveLead() error = %v", err)
	}
	m := &fakeMessenger{}
	return NewDispatcher(m, leads, handoff), m, leads
}

func TestDispatcher_RoutesEffects(t *testing.T) {
	d, m, leads := newTestDispatcher(t, "5511000000009")
	ctx := context.Background()

	effects := []models.Effect{
		{Key: "c:1:0", Kind: models.EffectSendMessage, ConversationID: "c", LeadID: "lead_1", Message: &models.OutboundMessage{Text: "Olá"}},
		{Key: "c:1:1", Kind: models.EffectUpdateLeadField, ConversationID: "c", LeadID: "lead_1", Field: "origem", Value: "whatsapp"},
		{Key: "c:1:2", Kind: models.EffectMoveFunnelStage, ConversationID: "c", LeadID: "lead_1", FunnelID: "vendas", StageID: "novo"},
		{Key: "c:1:3", Kind: models.EffectNotifyHuman, ConversationID: "c", LeadID: "lead_1", Notification: "Lead Ana pediu ajuda"},
		{Key: "c:1:4", Kind: models.EffectNotifyHuman, ConversationID: "c", LeadID: "lead_1", NotifyPhone: "5511000000001", Notification: "Outro"},
		{Key: "c:1:5", Kind: models.EffectEndConversation, ConversationID: "c", LeadID: "lead_1", Reason: models.EndCompleted},
	}
	if err := d.Apply(ctx, effects); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(m.queued) != 3 {
		t.Fatalf("expected 3 queued messages, got %+v", m.queued)
	}
	if q := m.queued[0]; q.to != "5511999990000" || q.key != "c:1:0" || q.kind != messaging.KindText || q.msg.Text != "Olá" {
		t.Errorf("unexpected send: %+v", q)
	}
	if q := m.queued[1]; q.to != "5511000000009" || q.kind != messaging.KindNotification || q.msg.Text != "Lead Ana pediu ajuda" {
		t.Errorf("unexpected default hand-off notification: %+v", q)
	}
	if q := m.queued[2]; q.to != "5511000000001" {
		t.Errorf("notification should go to its own phone: %+v", q)
	}

	lead, _ := leads.Lead(ctx, "lead_1")
	if lead.Fields["origem"] != "whatsapp" || lead.FunnelID != "vendas" || lead.StageID != "novo" {
		t.Errorf("unexpected lead after effects: %+v", lead)
	}
}

func TestDispatcher_NotifyWithoutPhoneIsSkipped(t *testing.T) {
	d, m, _ := newTestDispatcher(t, "")
	err := d.Apply(context.Background(), []models.Effect{
		{Key: "k", Kind: models.EffectNotifyHuman, ConversationID: "c", LeadID: "lead_1", Notification: "x"},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(m.queued) != 0 {
		t.Errorf("expected nothing queued, got %+v", m.queued)
	}
}

func TestDispatcher_Failures(t *testing.T) {
	ctx := context.Background()

	d, m, _ := newTestDispatcher(t, "")
	m.err = errors.New("outbox down")
	err := d.Apply(ctx, []models.Effect{
		{Key: "k", Kind: models.EffectSendMessage, ConversationID: "c", LeadID: "lead_1", Message: &models.OutboundMessage{Text: "Olá"}},
	})
	if err == nil {
		t.Error("expected messenger error")
	}

	d, _, _ = newTestDispatcher(t, "")
	err = d.Apply(ctx, []models.Effect{
		{Key: "k", Kind: models.EffectSendMessage, ConversationID: "c", LeadID: "lead_unknown", Message: &models.OutboundMessage{Text: "Olá"}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown lead, got %v", err)
	}
}

func TestDispatcher_ReplayIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	leads := crm.NewAdapter(st)
	ctx := context.Background()
	leads.SaveLead(ctx, &models.Lead{ID: "lead_1", Phone: "5511999990000"})
	outbound := messaging.NewOutbound(st, messaging.NewWhatsAppService(whatsapp.NewMockClient()), st)
	d := NewDispatcher(outbound, leads, "")

	effects := []models.Effect{
		{Key: "c:1:0", Kind: models.EffectSendMessage, ConversationID: "c", LeadID: "lead_1", Message: &models.OutboundMessage{Text: "Olá"}},
		{Key: "c:1:1", Kind: models.EffectUpdateLeadField, ConversationID: "c", LeadID: "lead_1", Field: "visitas", Value: "1"},
	}
	for i := 0; i < 3; i++ {
		if err := d.Apply(ctx, effects); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if n := len(st.OutboxMessages()); n != 1 {
		t.Errorf("expected 1 outbox message, got %d", n)
	}
}

const crmFlow = `{
  "id": "crm",
  "nodes": [
    {"id": "start", "type": "start", "messages": [{"content": "Olá {{lead_name}}!"}]},
    {"id": "update", "type": "update_lead_data", "fieldUpdates": [{"field": "origem", "value": "whatsapp"}]},
    {"id": "move", "type": "move_lead_in_funnel", "funnelId": "vendas", "stageId": "qualificado"},
    {"id": "human", "type": "transfer_to_human", "notifyPhone": "+5511000000001", "notificationMessage": "Lead {{lead_name}} qualificado"}
  ],
  "edges": [
    {"id": "e1", "sourceNodeId": "start", "targetNodeId": "update", "condition": "Sempre"},
    {"id": "e2", "sourceNodeId": "update", "targetNodeId": "move", "condition": "Sempre"},
    {"id": "e3", "sourceNodeId": "move", "targetNodeId": "human", "condition": "Sempre"}
  ]
}`

func TestDispatcher_WithRuntime(t *testing.T) {
	st := store.NewInMemoryStore()
	leads := crm.NewAdapter(st)
	mock := whatsapp.NewMockClient()
	outbound := messaging.NewOutbound(st, messaging.NewWhatsAppService(mock), st)

	rt := flow.NewRuntime(flow.NewStoreBasedStateManager(st), NewDispatcher(outbound, leads, ""))
	t.Cleanup(rt.Stop)
	f, err := graph.Load([]byte(crmFlow))
	if err != nil {
		t.Fatalf("graph.Load() error = %v", err)
	}
	rt.Activate(f)

	ctx := context.Background()
	lead, err := leads.Register(ctx, "+55 11 99999-0000", "Ana")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	state, err := rt.Start(ctx, "crm", *lead)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state.IsActive() {
		t.Errorf("conversation should have ended at the transfer, status %s", state.Status)
	}

	updated, _ := leads.Lead(ctx, lead.ID)
	if updated.Fields["origem"] != "whatsapp" || updated.StageID != "qualificado" {
		t.Errorf("unexpected lead: %+v", updated)
	}

	msgs := st.OutboxMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected greeting and notification in the outbox, got %d", len(msgs))
	}
	if msgs[0].Recipient != "5511999990000" || msgs[1].Recipient != "+5511000000001" {
		t.Errorf("unexpected recipients: %s, %s", msgs[0].Recipient, msgs[1].Recipient)
	}

	// Messages of one conversation are spaced by a millisecond.
	time.Sleep(10 * time.Millisecond)
	store.NewOutboxSender(st, outbound.Deliver, 0).Poll(ctx)
	if len(mock.SentMessages) != 2 {
		t.Fatalf("expected 2 sends, got %v", mock.SentMessages)
	}
	if mock.SentMessages[0] != "5511999990000: Olá Ana!" || mock.SentMessages[1] != "5511000000001: Lead Ana qualificado" {
		t.Errorf("unexpected sends: %v", mock.SentMessages)
	}
}
