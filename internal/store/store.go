// Package store provides storage backends for LeadFlow.
//
// It includes an in-memory store used by tests and the SQLite and PostgreSQL
// stores used in production. All backends persist conversations, leads, flow
// definitions and delivery receipts.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// LeadChange is a single CRM mutation produced by a conversation effect.
// Key is the effect key; a change with a key that was already applied is a no-op.
type LeadChange struct {
	Key      string
	LeadID   string
	Field    string
	Value    string
	FunnelID string
	StageID  string
}

// Store is the persistence contract shared by all backends.
type Store interface {
	SaveConversation(ctx context.Context, state *models.ConversationState) error
	GetConversation(ctx context.Context, id string) (*models.ConversationState, error)
	GetActiveConversationByLead(ctx context.Context, leadID string) (*models.ConversationState, error)
	ListActiveConversations(ctx context.Context) ([]*models.ConversationState, error)

	SaveLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error)
	// ApplyLeadChange applies the change at most once per key and reports
	// whether it was applied by this call.
	ApplyLeadChange(ctx context.Context, change LeadChange) (bool, error)

	SaveFlow(ctx context.Context, flow models.FlowRecord) error
	GetFlow(ctx context.Context, id string) (*models.FlowRecord, error)
	ListFlows(ctx context.Context) ([]models.FlowRecord, error)

	AddReceipt(ctx context.Context, r models.Receipt) error
	GetReceipts(ctx context.Context) ([]models.Receipt, error)

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value
// connection strings, and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore is a simple in-memory store.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.ConversationState
	leads         map[string]*models.Lead
	applied       map[string]bool
	flows         map[string]models.FlowRecord
	receipts      []models.Receipt
	outbox        []*OutboxMessage
	inbound       map[string]*DedupRecord
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.ConversationState),
		leads:         make(map[string]*models.Lead),
		applied:       make(map[string]bool),
		flows:         make(map[string]models.FlowRecord),
		inbound:       make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) SaveConversation(_ context.Context, state *models.ConversationState) error {
	if state == nil || state.ID == "" {
		return errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[state.ID] = state.Clone()
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

func (s *InMemoryStore) GetActiveConversationByLead(_ context.Context, leadID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.ConversationState
	for _, state := range s.conversations {
		if state.LeadID != leadID || !state.IsActive() {
			continue
		}
		if found == nil || state.StartedAt.After(found.StartedAt) {
			found = state
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (s *InMemoryStore) ListActiveConversations(_ context.Context) ([]*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConversationState
	for _, state := range s.conversations {
		if state.IsActive() {
			out = append(out, state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveLead(_ context.Context, lead *models.Lead) error {
	if lead == nil || lead.ID == "" {
		return models.ErrEmptyLeadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = copyLead(lead)
	return nil
}

func (s *InMemoryStore) GetLead(_ context.Context, id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLead(lead), nil
}

func (s *InMemoryStore) GetLeadByPhone(_ context.Context, phone string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lead := range s.leads {
		if lead.Phone != "" && lead.Phone == phone {
			return copyLead(lead), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ApplyLeadChange(_ context.Context, change LeadChange) (bool, error) {
	if change.Key == "" {
		return false, models.ErrEmptyEventKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[change.Key] {
		return false, nil
	}
	now := time.Now()
	lead, ok := s.leads[change.LeadID]
	if !ok {
		lead = &models.Lead{ID: change.LeadID, CreatedAt: now}
		s.leads[change.LeadID] = lead
	}
	applyChange(lead, change)
	lead.UpdatedAt = now
	s.applied[change.Key] = true
	return true, nil
}

func (s *InMemoryStore) SaveFlow(_ context.Context, flow models.FlowRecord) error {
	if flow.ID == "" {
		return models.ErrEmptyFlowID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.flows[flow.ID]; ok && flow.CreatedAt.IsZero() {
		flow.CreatedAt = existing.CreatedAt
	}
	s.flows[flow.ID] = flow
	return nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, id string) (*models.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &flow, nil
}

func (s *InMemoryStore) ListFlows(_ context.Context) ([]models.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowRecord, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AddReceipt(_ context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts(_ context.Context) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) Close() error { return nil }

func copyLead(l *models.Lead) *models.Lead {
	c := *l
	if l.Fields != nil {
		c.Fields = make(map[string]string, len(l.Fields))
		for k, v := range l.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// applyChange mutates lead according to change. A change carries either a
// field update or a funnel move.
func applyChange(lead *models.Lead, change LeadChange) {
	if change.Field != "" {
		if lead.Fields == nil {
			lead.Fields = make(map[string]string)
		}
		lead.Fields[change.Field] = change.Value
	}
	if change.FunnelID != "" {
		lead.FunnelID = change.FunnelID
	}
	if change.StageID != "" {
		lead.StageID = change.StageID
	}
}
