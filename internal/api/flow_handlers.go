package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/go-chi/chi/v5"
)

// flowSummary describes a stored flow without its definition.
type flowSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Nodes  int    `json:"nodes,omitempty"`
	Active bool   `json:"active"`
}

// createFlowHandler handles POST /api/flows. The body is a JSON or YAML flow
// document; it is validated, stored and activated unless ?activate=false.
func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	g, err := graph.Parse(data)
	if err != nil {
		slog.Warn("Server.createFlowHandler: invalid flow document", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow document: "+err.Error()))
		return
	}
	f, err := graph.Compile(g)
	if err != nil {
		writeError(w, err)
		return
	}
	definition, err := graph.CanonicalJSON(data)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow document: "+err.Error()))
		return
	}

	active := r.URL.Query().Get("activate") != "false"
	now := s.now()
	record := models.FlowRecord{
		ID:         f.ID(),
		Name:       f.Name(),
		Definition: definition,
		Active:     active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	existing, err := s.st.GetFlow(r.Context(), f.ID())
	switch {
	case err == nil:
		record.CreatedAt = existing.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, err)
		return
	}
	if err := s.st.SaveFlow(r.Context(), record); err != nil {
		writeError(w, err)
		return
	}

	if active {
		s.conversations.Activate(f)
	} else {
		s.conversations.Deactivate(f.ID())
	}
	slog.Info("Server.createFlowHandler: flow stored", "flowID", f.ID(), "active", active)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow stored", flowSummary{
		ID:     f.ID(),
		Name:   f.Name(),
		Nodes:  f.NodeCount(),
		Active: active,
	}))
}

// listFlowsHandler handles GET /api/flows.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.st.ListFlows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]flowSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, flowSummary{ID: rec.ID, Name: rec.Name, Active: rec.Active})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// getFlowHandler handles GET /api/flows/{id}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.st.GetFlow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// validateFlowHandler handles POST /api/flows/validate. It reports every
// problem in the document without storing it.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	g, err := graph.Parse(data)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow document: "+err.Error()))
		return
	}
	if err := graph.Validate(g); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow is valid", flowSummary{ID: g.ID, Name: g.Name, Nodes: len(g.Nodes)}))
}
