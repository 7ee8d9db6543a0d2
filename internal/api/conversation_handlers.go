package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/util"
	"github.com/go-chi/chi/v5"
)

// StartConversationRequest starts a flow for a lead, identified by id or by
// phone. An unknown phone registers a new lead.
type StartConversationRequest struct {
	FlowID string `json:"flow_id"`
	LeadID string `json:"lead_id,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Name   string `json:"name,omitempty"`
}

// EventRequest is an event posted directly to a conversation.
type EventRequest struct {
	ID         string             `json:"id,omitempty"`
	Kind       models.EventKind   `json:"kind,omitempty"`
	Text       string             `json:"text,omitempty"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	Token      int64              `json:"token,omitempty"`
}

// startConversationHandler handles POST /api/conversations.
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FlowID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: flow_id"))
		return
	}

	var (
		lead *models.Lead
		err  error
	)
	switch {
	case req.LeadID != "":
		lead, err = s.leads.Lead(r.Context(), req.LeadID)
	case req.Phone != "":
		lead, err = s.leads.Register(r.Context(), req.Phone, req.Name)
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: lead_id or phone"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	state, err := s.conversations.Start(r.Context(), req.FlowID, *lead)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.startConversationHandler: conversation started", "conversationID", state.ID, "flowID", req.FlowID, "leadID", lead.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started", state))
}

// getConversationHandler handles GET /api/conversations/{id}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	state, err := s.conversations.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// cancelConversationHandler handles DELETE /api/conversations/{id}.
func (s *Server) cancelConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dropped, err := s.cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation cancelled", map[string]interface{}{
		"conversation_id":  id,
		"dropped_messages": dropped,
	}))
}

// deliverEventHandler handles POST /api/conversations/{id}/events. The event
// is applied before the response, which carries the resulting state.
func (s *Server) deliverEventHandler(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ev := models.InboundEvent{
		ID:             req.ID,
		ConversationID: chi.URLParam(r, "id"),
		Kind:           req.Kind,
		Text:           req.Text,
		Attachment:     req.Attachment,
		Token:          req.Token,
		ReceivedAt:     s.now(),
	}
	if ev.ID == "" {
		ev.ID = util.GenerateEventID()
	}
	if ev.Kind == "" {
		ev.Kind = models.EventText
		if ev.Attachment != nil {
			ev.Kind = models.EventAttachment
		}
	}
	if err := ev.Validate(); err != nil {
		writeError(w, err)
		return
	}

	state, err := s.conversations.Process(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// getLeadHandler handles GET /api/leads/{id}.
func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	lead, err := s.leads.Lead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	active, err := s.conversations.ActiveConversation(r.Context(), lead.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"lead":         lead,
		"conversation": active,
	}))
}

// cancelLeadHandler handles DELETE /api/leads/{id}: the lead's active
// conversation is cancelled. The lead record is kept.
func (s *Server) cancelLeadHandler(w http.ResponseWriter, r *http.Request) {
	lead, err := s.leads.Lead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	active, err := s.conversations.ActiveConversation(r.Context(), lead.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if active == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No active conversation", nil))
		return
	}
	dropped, err := s.cancel(r.Context(), active.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation cancelled", map[string]interface{}{
		"conversation_id":  active.ID,
		"dropped_messages": dropped,
	}))
}

// listTimersHandler handles GET /api/timers.
func (s *Server) listTimersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.conversations.ActiveTimers()))
}

// cancel resets a conversation and drops its queued messages.
func (s *Server) cancel(ctx context.Context, conversationID string) (int, error) {
	if err := s.conversations.Reset(ctx, conversationID); err != nil {
		return 0, err
	}
	if s.opts.Outbox == nil {
		return 0, nil
	}
	n, err := s.opts.Outbox.Cancel(ctx, conversationID)
	if err != nil {
		slog.Error("Server.cancel: failed to drop queued messages", "conversationID", conversationID, "error", err)
		return 0, err
	}
	return n, nil
}
