package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
	_ DedupRepo  = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveConversation(ctx context.Context, state *models.ConversationState) error {
	doc, err := encodeConversation(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, lead_id, flow_id, status, current_node_id, state_json, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, current_node_id = EXCLUDED.current_node_id,
		   state_json = EXCLUDED.state_json, updated_at = EXCLUDED.updated_at`,
		state.ID, state.LeadID, state.FlowID, state.Status, state.CurrentNodeID, doc, state.StartedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "conversationID", state.ID)
		return fmt.Errorf("failed to save conversation %s: %w", state.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.ConversationState, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveConversationByLead(ctx context.Context, leadID string) (*models.ConversationState, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE lead_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		leadID, models.ConversationActive))
}

func (s *PostgresStore) ListActiveConversations(ctx context.Context) ([]*models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE status = $1 ORDER BY started_at ASC`,
		models.ConversationActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.ConversationState
	for rows.Next() {
		state, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveLead(ctx context.Context, lead *models.Lead) error {
	fields, err := encodeFields(lead.Fields)
	if err != nil {
		return err
	}
	now := time.Now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET phone = EXCLUDED.phone, name = EXCLUDED.name, fields_json = EXCLUDED.fields_json,
		   funnel_id = EXCLUDED.funnel_id, stage_id = EXCLUDED.stage_id, updated_at = EXCLUDED.updated_at`,
		lead.ID, nilIfEmpty(lead.Phone), nilIfEmpty(lead.Name), nilIfEmpty(fields),
		nilIfEmpty(lead.FunnelID), nilIfEmpty(lead.StageID), lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	return scanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
}

func (s *PostgresStore) GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	return scanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE phone = $1`, phone))
}

func (s *PostgresStore) ApplyLeadChange(ctx context.Context, change LeadChange) (bool, error) {
	if change.Key == "" {
		return false, models.ErrEmptyEventKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lead change failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_effects (effect_key, lead_id, applied_at) VALUES ($1, $2, $3) ON CONFLICT (effect_key) DO NOTHING`,
		change.Key, change.LeadID, now)
	if err != nil {
		return false, fmt.Errorf("record applied effect failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore.ApplyLeadChange: already applied", "key", change.Key)
		return false, nil
	}

	lead, err := scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1 FOR UPDATE`, change.LeadID))
	if err == ErrNotFound {
		lead = &models.Lead{ID: change.LeadID, CreatedAt: now}
	} else if err != nil {
		return false, err
	}
	applyChange(lead, change)
	fields, err := encodeFields(lead.Fields)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET fields_json = EXCLUDED.fields_json, funnel_id = EXCLUDED.funnel_id,
		   stage_id = EXCLUDED.stage_id, updated_at = EXCLUDED.updated_at`,
		lead.ID, nilIfEmpty(lead.Phone), nilIfEmpty(lead.Name), nilIfEmpty(fields),
		nilIfEmpty(lead.FunnelID), nilIfEmpty(lead.StageID), lead.CreatedAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("update lead %s failed: %w", change.LeadID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lead change failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) SaveFlow(ctx context.Context, flow models.FlowRecord) error {
	now := time.Now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (`+flowColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, definition = EXCLUDED.definition,
		   active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		flow.ID, nilIfEmpty(flow.Name), string(flow.Definition), flow.Active, flow.CreatedAt, now,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetFlow(ctx context.Context, id string) (*models.FlowRecord, error) {
	return scanFlow(s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id))
}

func (s *PostgresStore) ListFlows(ctx context.Context) ([]models.FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	var out []models.FlowRecord
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts (recipient, message_id, status, time) VALUES ($1, $2, $3, $4)`,
		r.To, nilIfEmpty(r.MessageID), r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, message_id, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var messageID sql.NullString
		if err := rows.Scan(&r.To, &messageID, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.MessageID = messageID.String
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
