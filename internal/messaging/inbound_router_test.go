package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/crm"
	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

const greetingFlow = `{
  "id": "greeting",
  "nodes": [
    {"id": "start", "type": "start", "messages": [{"content": "Olá {{lead_name}}!"}]},
    {"id": "ask", "type": "ask_question", "messages": [{"content": "Quer continuar?"}]},
    {"id": "done", "type": "end_conversation", "messages": [{"content": "Ótimo, até já"}]}
  ],
  "edges": [
    {"id": "e1", "sourceNodeId": "start", "targetNodeId": "ask", "condition": "Sempre"},
    {"id": "e2", "sourceNodeId": "ask", "targetNodeId": "done", "condition": "sim"}
  ]
}`

// fakeConversations records router calls without running flows.
type fakeConversations struct {
	active     map[string]*models.ConversationState
	started    []models.Lead
	delivered  []models.InboundEvent
	deliverErr error
	startErr   error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{active: map[string]*models.ConversationState{}}
}

func (f *fakeConversations) ActiveConversation(_ context.Context, leadID string) (*models.ConversationState, error) {
	return f.active[leadID], nil
}

func (f *fakeConversations) Start(_ context.Context, flowID string, lead models.Lead) (*models.ConversationState, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, lead)
	st := &models.ConversationState{ID: "conv_" + lead.ID, LeadID: lead.ID, FlowID: flowID, Status: models.ConversationActive}
	f.active[lead.ID] = st
	return st, nil
}

func (f *fakeConversations) Deliver(_ context.Context, ev models.InboundEvent) error {
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.delivered = append(f.delivered, ev)
	return nil
}

func TestInboundRouter_FirstMessageRegistersLeadAndStarts(t *testing.T) {
	st := store.NewInMemoryStore()
	convs := newFakeConversations()
	router := NewInboundRouter(convs, crm.NewAdapter(st), st, "greeting")
	ctx := context.Background()

	err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "+55 11 99999-0000", Name: "Ana", Text: "oi"})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(convs.started) != 1 {
		t.Fatalf("expected 1 started conversation, got %d", len(convs.started))
	}
	if len(convs.delivered) != 0 {
		t.Errorf("opening message should not be delivered, got %+v", convs.delivered)
	}

	lead, err := st.GetLeadByPhone(ctx, "5511999990000")
	if err != nil {
		t.Fatalf("lead not registered: %v", err)
	}
	if lead.Name != "Ana" || convs.started[0].ID != lead.ID {
		t.Errorf("unexpected lead %+v started %+v", lead, convs.started[0])
	}
}

func TestInboundRouter_DeliversToActiveConversation(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	lead := &models.Lead{ID: "lead_1", Phone: "5511999990000", Name: "Ana"}
	st.SaveLead(ctx, lead)

	convs := newFakeConversations()
	convs.active["lead_1"] = &models.ConversationState{ID: "conv_1", LeadID: "lead_1", Status: models.ConversationActive}
	router := NewInboundRouter(convs, crm.NewAdapter(st), st, "greeting")

	if err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "5511999990000", Text: "sim", Time: 1700000000}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	attachment := &models.Attachment{Reference: "whatsapp:M2", MimeType: "image/jpeg"}
	if err := router.Route(ctx, models.InboundMessage{ID: "M2", From: "5511999990000", Attachment: attachment}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	if len(convs.delivered) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(convs.delivered))
	}
	text := convs.delivered[0]
	if text.ID != "M1" || text.ConversationID != "conv_1" || text.Kind != models.EventText || text.Text != "sim" {
		t.Errorf("unexpected text event: %+v", text)
	}
	if !text.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ReceivedAt = %v", text.ReceivedAt)
	}
	doc := convs.delivered[1]
	if doc.Kind != models.EventAttachment || doc.Attachment.Reference != "whatsapp:M2" {
		t.Errorf("unexpected attachment event: %+v", doc)
	}
	if len(convs.started) != 0 {
		t.Errorf("no conversation should start, got %d", len(convs.started))
	}
}

func TestInboundRouter_DropsDuplicates(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	st.SaveLead(ctx, &models.Lead{ID: "lead_1", Phone: "5511999990000"})
	convs := newFakeConversations()
	convs.active["lead_1"] = &models.ConversationState{ID: "conv_1", LeadID: "lead_1", Status: models.ConversationActive}
	router := NewInboundRouter(convs, crm.NewAdapter(st), st, "greeting")

	msg := models.InboundMessage{ID: "M1", From: "5511999990000", Text: "sim"}
	for i := 0; i < 3; i++ {
		if err := router.Route(ctx, msg); err != nil {
			t.Fatalf("Route() error = %v", err)
		}
	}
	if len(convs.delivered) != 1 {
		t.Errorf("expected 1 delivery, got %d", len(convs.delivered))
	}
}

func TestInboundRouter_RedeliveryAfterFailureIsRouted(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	convs := newFakeConversations()
	convs.startErr = errors.New("db unavailable")
	router := NewInboundRouter(convs, crm.NewAdapter(st), st, "greeting")

	msg := models.InboundMessage{ID: "M1", From: "5511999990000", Name: "Ana", Text: "oi"}
	if err := router.Route(ctx, msg); err == nil {
		t.Fatal("expected start error")
	}
	if dup, _ := st.IsDuplicate(ctx, "M1"); dup {
		t.Error("failed message still recorded as seen")
	}

	convs.startErr = nil
	if err := router.Route(ctx, msg); err != nil {
		t.Fatalf("Route() redelivery error = %v", err)
	}
	if len(convs.started) != 1 {
		t.Fatalf("expected redelivery to start a conversation, got %d", len(convs.started))
	}

	// Once handled, the message is a duplicate again.
	if err := router.Route(ctx, msg); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(convs.started) != 1 {
		t.Errorf("processed message routed twice: %d starts", len(convs.started))
	}
}

func TestInboundRouter_EndedConversationStartsNewOne(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	st.SaveLead(ctx, &models.Lead{ID: "lead_1", Phone: "5511999990000"})
	convs := newFakeConversations()
	convs.active["lead_1"] = &models.ConversationState{ID: "conv_old", LeadID: "lead_1", Status: models.ConversationActive}
	convs.deliverErr = flow.ErrConversationEnded
	router := NewInboundRouter(convs, crm.NewAdapter(st), nil, "greeting")

	if err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "5511999990000", Text: "oi"}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(convs.started) != 1 {
		t.Errorf("expected a new conversation, got %d", len(convs.started))
	}
}

func TestInboundRouter_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid sender", func(t *testing.T) {
		st := store.NewInMemoryStore()
		router := NewInboundRouter(newFakeConversations(), crm.NewAdapter(st), st, "greeting")
		if err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "abc", Text: "oi"}); err == nil {
			t.Error("expected error for invalid sender")
		}
	})

	t.Run("no default flow", func(t *testing.T) {
		st := store.NewInMemoryStore()
		convs := newFakeConversations()
		router := NewInboundRouter(convs, crm.NewAdapter(st), st, "")
		if err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "5511999990000", Text: "oi"}); err != nil {
			t.Fatalf("Route() error = %v", err)
		}
		if len(convs.started) != 0 {
			t.Error("no conversation should start without a default flow")
		}
	})

	t.Run("busy lead is not an error", func(t *testing.T) {
		st := store.NewInMemoryStore()
		convs := newFakeConversations()
		convs.startErr = flow.ErrLeadBusy
		router := NewInboundRouter(convs, crm.NewAdapter(st), st, "greeting")
		if err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "5511999990000", Text: "oi"}); err != nil {
			t.Errorf("Route() error = %v", err)
		}
	})

	t.Run("delivery failure", func(t *testing.T) {
		st := store.NewInMemoryStore()
		st.SaveLead(ctx, &models.Lead{ID: "lead_1", Phone: "5511999990000"})
		convs := newFakeConversations()
		convs.active["lead_1"] = &models.ConversationState{ID: "conv_1", LeadID: "lead_1"}
		convs.deliverErr = errors.New("mailbox full")
		router := NewInboundRouter(convs, crm.NewAdapter(st), st, "greeting")
		if err := router.Route(ctx, models.InboundMessage{ID: "M1", From: "5511999990000", Text: "oi"}); err == nil {
			t.Error("expected delivery error")
		}
	})
}

func TestInboundRouter_WithRuntime(t *testing.T) {
	st := store.NewInMemoryStore()
	sink := flow.NewRecordingSink()
	rt := flow.NewRuntime(flow.NewStoreBasedStateManager(st), sink)
	t.Cleanup(rt.Stop)
	f, err := graph.Load([]byte(greetingFlow))
	if err != nil {
		t.Fatalf("graph.Load() error = %v", err)
	}
	rt.Activate(f)

	router := NewInboundRouter(rt, crm.NewAdapter(st), st, "greeting")
	inbound := make(chan models.InboundMessage, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		router.Run(ctx, inbound)
		close(done)
	}()

	inbound <- models.InboundMessage{ID: "M1", From: "5511999990000", Name: "Ana", Text: "oi"}
	inbound <- models.InboundMessage{ID: "M2", From: "5511999990000", Text: "sim"}
	inbound <- models.InboundMessage{ID: "M2", From: "5511999990000", Text: "sim"}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Messages()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	want := []string{"Olá Ana!", "Quer continuar?", "Ótimo, até já"}
	got := sink.Messages()
	if len(got) != len(want) {
		t.Fatalf("messages = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}
