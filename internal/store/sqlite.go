package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ DedupRepo  = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, state *models.ConversationState) error {
	doc, err := encodeConversation(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, lead_id, flow_id, status, current_node_id, state_json, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, current_node_id = excluded.current_node_id,
		   state_json = excluded.state_json, updated_at = excluded.updated_at`,
		state.ID, state.LeadID, state.FlowID, state.Status, state.CurrentNodeID, doc,
		state.StartedAt.UTC(), state.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "conversationID", state.ID)
		return fmt.Errorf("failed to save conversation %s: %w", state.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) GetActiveConversationByLead(ctx context.Context, leadID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE lead_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		leadID, models.ConversationActive)
	return scanConversation(row)
}

func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]*models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE status = ? ORDER BY started_at ASC`,
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveLead(ctx context.Context, lead *models.Lead) error {
	fields, err := encodeFields(lead.Fields)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET phone = excluded.phone, name = excluded.name, fields_json = excluded.fields_json,
		   funnel_id = excluded.funnel_id, stage_id = excluded.stage_id, updated_at = excluded.updated_at`,
		lead.ID, nilIfEmpty(lead.Phone), nilIfEmpty(lead.Name), nilIfEmpty(fields),
		nilIfEmpty(lead.FunnelID), nilIfEmpty(lead.StageID), lead.CreatedAt.UTC(), lead.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	return scanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
}

func (s *SQLiteStore) GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	return scanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE phone = ?`, phone))
}

func (s *SQLiteStore) ApplyLeadChange(ctx context.Context, change LeadChange) (bool, error) {
	if change.Key == "" {
		return false, models.ErrEmptyEventKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lead change failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_effects (effect_key, lead_id, applied_at) VALUES (?, ?, ?)`,
		change.Key, change.LeadID, now)
	if err != nil {
		return false, fmt.Errorf("record applied effect failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore.ApplyLeadChange: already applied", "key", change.Key)
		return false, nil
	}

	lead, err := scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, change.LeadID))
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
		`INSERT INTO leads (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fields_json = excluded.fields_json, funnel_id = excluded.funnel_id,
		   stage_id = excluded.stage_id, updated_at = excluded.updated_at`,
		lead.ID, nilIfEmpty(lead.Phone), nilIfEmpty(lead.Name), nilIfEmpty(fields),
		nilIfEmpty(lead.FunnelID), nilIfEmpty(lead.StageID), lead.CreatedAt.UTC(), now,
	)
	if err != nil {
		return false, fmt.Errorf("update lead %s failed: %w", change.LeadID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lead change failed: %w", err)
	}
	slog.Debug("SQLiteStore.ApplyLeadChange", "key", change.Key, "leadID", change.LeadID)
	return true, nil
}

func (s *SQLiteStore) SaveFlow(ctx context.Context, flow models.FlowRecord) error {
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, definition = excluded.definition,
		   active = excluded.active, updated_at = excluded.updated_at`,
		flow.ID, nilIfEmpty(flow.Name), string(flow.Definition), flow.Active, flow.CreatedAt.UTC(), now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetFlow(ctx context.Context, id string) (*models.FlowRecord, error) {
	return scanFlow(s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id))
}

func (s *SQLiteStore) ListFlows(ctx context.Context) ([]models.FlowRecord, error) {
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

func (s *SQLiteStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts (recipient, message_id, status, time) VALUES (?, ?, ?, ?)`,
		r.To, nilIfEmpty(r.MessageID), r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, message_id, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
