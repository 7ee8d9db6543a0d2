// Package api exposes the conversation engine over HTTP.
//
// It serves flow management, conversation control, lead lookups, active
// timers, the Twilio webhook and Prometheus metrics, all as JSON in the
// {status, message, result} envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/crm"
	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// maxBodyBytes bounds request bodies; flow documents are the largest payload.
const maxBodyBytes = 4 << 20

// Conversations is the part of the flow runtime the API drives.
// *flow.Runtime satisfies it.
type Conversations interface {
	Activate(f *graph.Flow)
	Deactivate(flowID string)
	ActiveFlows() []string
	Start(ctx context.Context, flowID string, lead models.Lead) (*models.ConversationState, error)
	Process(ctx context.Context, ev models.InboundEvent) (*models.ConversationState, error)
	Reset(ctx context.Context, id string) error
	State(ctx context.Context, id string) (*models.ConversationState, error)
	ActiveConversation(ctx context.Context, leadID string) (*models.ConversationState, error)
	ActiveTimers() []models.TimerInfo
	Running() int
}

var _ Conversations = (*flow.Runtime)(nil)

// Leads looks up and registers leads. *crm.Adapter satisfies it.
type Leads interface {
	Lead(ctx context.Context, id string) (*models.Lead, error)
	Register(ctx context.Context, phone, name string) (*models.Lead, error)
}

// OutboxCanceller drops the queued messages of a cancelled conversation.
type OutboxCanceller interface {
	Cancel(ctx context.Context, conversationID string) (int, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	Outbox         OutboxCanceller
	Metrics        http.Handler
	TwilioWebhook  http.HandlerFunc
	RequestTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithOutbox cancels queued messages when a conversation is cancelled.
func WithOutbox(c OutboxCanceller) Option {
	return func(o *Opts) { o.Outbox = c }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithTwilioWebhook serves h on POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithRequestTimeout bounds the handling time of one request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	conversations Conversations
	st            store.Store
	leads         Leads
	opts          Opts
	now           func() time.Time
}

// NewServer creates a Server.
func NewServer(conversations Conversations, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		conversations: conversations,
		st:            st,
		leads:         crm.NewAdapter(st),
		opts:          cfg,
		now:           time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/health", s.healthHandler)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	if s.opts.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", s.opts.TwilioWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/flows", func(r chi.Router) {
			r.Post("/", s.createFlowHandler)
			r.Get("/", s.listFlowsHandler)
			r.Post("/validate", s.validateFlowHandler)
			r.Get("/{id}", s.getFlowHandler)
		})
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.startConversationHandler)
			r.Get("/{id}", s.getConversationHandler)
			r.Delete("/{id}", s.cancelConversationHandler)
			r.Post("/{id}/events", s.deliverEventHandler)
		})
		r.Route("/leads", func(r chi.Router) {
			r.Get("/{id}", s.getLeadHandler)
			r.Delete("/{id}", s.cancelLeadHandler)
		})
		r.Get("/timers", s.listTimersHandler)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
	return r
}

// Run serves the API until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"active_flows":  len(s.conversations.ActiveFlows()),
		"conversations": s.conversations.Running(),
		"timers":        len(s.conversations.ActiveTimers()),
	}))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
