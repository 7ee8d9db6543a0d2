package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/BTreeMap/LeadFlow/internal/testutil"
)

const greetingFlow = `{
  "id": "greeting",
  "name": "Boas-vindas",
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

const greetingYAML = `id: greeting-yaml
nodes:
  - id: start
    type: start
    messages:
      - content: Oi
  - id: done
    type: end_conversation
edges:
  - id: e1
    sourceNodeId: start
    targetNodeId: done
    condition: Sempre
`

// invalidFlow has no start node and an edge to a missing node.
const invalidFlow = `{
  "id": "broken",
  "nodes": [{"id": "ask", "type": "ask_question"}],
  "edges": [{"id": "e1", "sourceNodeId": "ask", "targetNodeId": "nowhere", "condition": "sim"}]
}`

type fakeOutbox struct {
	cancelled []string
}

func (f *fakeOutbox) Cancel(_ context.Context, conversationID string) (int, error) {
	f.cancelled = append(f.cancelled, conversationID)
	return 2, nil
}

type testEnv struct {
	handler http.Handler
	rt      *flow.Runtime
	st      *store.InMemoryStore
	sink    *flow.RecordingSink
	outbox  *fakeOutbox
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	sink := flow.NewRecordingSink()
	rt := flow.NewRuntime(flow.NewStoreBasedStateManager(st), sink)
	t.Cleanup(rt.Stop)
	outbox := &fakeOutbox{}
	srv := NewServer(rt, st, append([]Option{WithOutbox(outbox)}, opts...)...)
	return &testEnv{handler: srv.Handler(), rt: rt, st: st, sink: sink, outbox: outbox}
}

func (e *testEnv) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, url, body)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createFlow(t *testing.T, doc string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/flows", doc)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create flow")
}

// decodeResult decodes the result field of an envelope into v.
func decodeResult(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &envelope)
	testutil.MustUnmarshalJSON(t, envelope.Result, v)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestFlowHandlers(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/flows", greetingFlow)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create JSON flow")
	var summary flowSummary
	decodeResult(t, rr, &summary)
	if summary.ID != "greeting" || summary.Nodes != 3 || !summary.Active {
		t.Errorf("unexpected summary %+v", summary)
	}

	rr = env.do(t, http.MethodPost, "/api/flows?activate=false", greetingYAML)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create YAML flow")

	active := env.rt.ActiveFlows()
	if len(active) != 1 || active[0] != "greeting" {
		t.Errorf("active flows = %v, want [greeting]", active)
	}

	rr = env.do(t, http.MethodGet, "/api/flows", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list flows")
	var list []flowSummary
	decodeResult(t, rr, &list)
	if len(list) != 2 {
		t.Fatalf("listed %d flows, want 2", len(list))
	}

	rr = env.do(t, http.MethodGet, "/api/flows/greeting-yaml", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get flow")
	var rec models.FlowRecord
	decodeResult(t, rr, &rec)
	if rec.Active {
		t.Error("flow stored with activate=false should be inactive")
	}
	if !json.Valid(rec.Definition) {
		t.Errorf("YAML definition should be stored as JSON, got %s", rec.Definition)
	}

	rr = env.do(t, http.MethodGet, "/api/flows/missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing flow")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestCreateFlow_Rejected(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/flows", invalidFlow)
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid graph")
	var problems []map[string]interface{}
	decodeResult(t, rr, &problems)
	if len(problems) < 2 {
		t.Errorf("expected every problem to be reported, got %v", problems)
	}
	if len(env.rt.ActiveFlows()) != 0 {
		t.Error("invalid flow must not be activated")
	}

	rr = env.do(t, http.MethodPost, "/api/flows", "{not a document")
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed document")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestValidateFlowHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/flows/validate", greetingFlow)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid flow")
	testutil.AssertJSONResponse(t, rr, "ok")

	rr = env.do(t, http.MethodPost, "/api/flows/validate", invalidFlow)
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid flow")

	if _, err := env.st.GetFlow(context.Background(), "greeting"); err == nil {
		t.Error("validate must not store the flow")
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createFlow(t, greetingFlow)

	rr := env.do(t, http.MethodPost, "/api/conversations", StartConversationRequest{FlowID: "greeting", Phone: "+55 11 99999-0000", Name: "Ana"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation")
	var state models.ConversationState
	decodeResult(t, rr, &state)
	if state.CurrentNodeID != "ask" {
		t.Fatalf("current node = %q, want ask", state.CurrentNodeID)
	}

	rr = env.do(t, http.MethodGet, "/api/conversations/"+state.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")

	rr = env.do(t, http.MethodPost, "/api/conversations/"+state.ID+"/events", EventRequest{ID: "evt_1", Text: "sim"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "deliver event")
	var after models.ConversationState
	decodeResult(t, rr, &after)
	if after.Status != models.ConversationEnded || after.EndReason != models.EndCompleted {
		t.Errorf("status = %s/%s, want ended/completed", after.Status, after.EndReason)
	}

	want := []string{"Olá Ana!", "Quer continuar?", "Ótimo, até já"}
	got := env.sink.Messages()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %q, want %q", got, want)
	}

	rr = env.do(t, http.MethodPost, "/api/conversations/"+state.ID+"/events", EventRequest{ID: "evt_2", Text: "oi"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "deliver to ended conversation")
}

func TestStartConversation_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.createFlow(t, greetingFlow)
	testutil.SeedLead(t, env.st, "lead_1", "5511999990000", "Ana")

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed JSON", "{", http.StatusBadRequest},
		{"missing flow", StartConversationRequest{LeadID: "lead_1"}, http.StatusBadRequest},
		{"missing lead", StartConversationRequest{FlowID: "greeting"}, http.StatusBadRequest},
		{"unknown lead", StartConversationRequest{FlowID: "greeting", LeadID: "lead_x"}, http.StatusNotFound},
		{"inactive flow", StartConversationRequest{FlowID: "other", LeadID: "lead_1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/conversations", tt.body)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}

	rr := env.do(t, http.MethodPost, "/api/conversations", StartConversationRequest{FlowID: "greeting", LeadID: "lead_1"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "first start")
	rr = env.do(t, http.MethodPost, "/api/conversations", StartConversationRequest{FlowID: "greeting", LeadID: "lead_1"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "lead already in a conversation")
}

func TestDeliverEvent_Errors(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/conversations/conv_missing/events", EventRequest{Text: "oi"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown conversation")

	rr = env.do(t, http.MethodPost, "/api/conversations/conv_missing/events", EventRequest{Kind: "sticker"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown kind")

	rr = env.do(t, http.MethodGet, "/api/conversations/conv_missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get unknown conversation")
}

func TestCancelConversation(t *testing.T) {
	env := newTestEnv(t)
	env.createFlow(t, greetingFlow)
	lead := testutil.SeedLead(t, env.st, "lead_1", "5511999990000", "Ana")

	state, err := env.rt.Start(context.Background(), "greeting", *lead)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rr := env.do(t, http.MethodDelete, "/api/conversations/"+state.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel conversation")
	var result map[string]interface{}
	decodeResult(t, rr, &result)
	if result["dropped_messages"].(float64) != 2 {
		t.Errorf("dropped_messages = %v, want 2", result["dropped_messages"])
	}
	if len(env.outbox.cancelled) != 1 || env.outbox.cancelled[0] != state.ID {
		t.Errorf("outbox cancelled %v", env.outbox.cancelled)
	}

	got, err := env.rt.State(context.Background(), state.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.Status != models.ConversationEnded || got.EndReason != models.EndCancelled {
		t.Errorf("status = %s/%s, want ended/cancelled", got.Status, got.EndReason)
	}
}

func TestLeadHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.createFlow(t, greetingFlow)
	lead := testutil.SeedLead(t, env.st, "lead_1", "5511999990000", "Ana")

	rr := env.do(t, http.MethodDelete, "/api/leads/lead_1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel idle lead")
	if len(env.outbox.cancelled) != 0 {
		t.Error("idle lead should not cancel anything")
	}

	state, err := env.rt.Start(context.Background(), "greeting", *lead)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rr = env.do(t, http.MethodGet, "/api/leads/lead_1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get lead")
	var result struct {
		Lead         models.Lead               `json:"lead"`
		Conversation *models.ConversationState `json:"conversation"`
	}
	decodeResult(t, rr, &result)
	if result.Lead.Name != "Ana" || result.Conversation == nil || result.Conversation.ID != state.ID {
		t.Errorf("unexpected lead result %+v", result)
	}

	rr = env.do(t, http.MethodDelete, "/api/leads/lead_1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel lead conversation")
	active, err := env.rt.ActiveConversation(context.Background(), "lead_1")
	if err != nil {
		t.Fatalf("ActiveConversation: %v", err)
	}
	if active != nil {
		t.Errorf("lead still has active conversation %s", active.ID)
	}

	rr = env.do(t, http.MethodGet, "/api/leads/lead_x", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown lead")
}

func TestListTimersHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/timers", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list timers")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("leadflow_transitions_total 1\n"))
	})
	webhook := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}

	env := newTestEnv(t, WithMetricsHandler(metrics), WithTwilioWebhook(webhook))
	rr := env.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "leadflow_transitions_total") {
		t.Errorf("unexpected metrics body %q", rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/webhooks/twilio", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")

	bare := newTestEnv(t)
	rr = bare.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "metrics not configured")
	testutil.AssertJSONResponse(t, rr, "error")
}
