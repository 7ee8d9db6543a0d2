package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for a nil or zero time.
func nilIfZero(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

const conversationColumns = `state_json`

// scanConversation decodes the JSON document of a conversations row.
func scanConversation(row rowScanner) (*models.ConversationState, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation failed: %w", err)
	}
	var state models.ConversationState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("decode conversation failed: %w", err)
	}
	return &state, nil
}

func encodeConversation(state *models.ConversationState) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode conversation %s failed: %w", state.ID, err)
	}
	return string(b), nil
}

const leadColumns = `id, phone, name, fields_json, funnel_id, stage_id, created_at, updated_at`

func scanLead(row rowScanner) (*models.Lead, error) {
	var l models.Lead
	var phone, name, fieldsJSON, funnelID, stageID sql.NullString
	err := row.Scan(&l.ID, &phone, &name, &fieldsJSON, &funnelID, &stageID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan lead failed: %w", err)
	}
	l.Phone = phone.String
	l.Name = name.String
	l.FunnelID = funnelID.String
	l.StageID = stageID.String
	if fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &l.Fields); err != nil {
			return nil, fmt.Errorf("decode lead fields failed: %w", err)
		}
	}
	return &l, nil
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode lead fields failed: %w", err)
	}
	return string(b), nil
}

const flowColumns = `id, name, definition, active, created_at, updated_at`

func scanFlow(row rowScanner) (*models.FlowRecord, error) {
	var f models.FlowRecord
	var name sql.NullString
	var def string
	err := row.Scan(&f.ID, &name, &def, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan flow failed: %w", err)
	}
	f.Name = name.String
	f.Definition = json.RawMessage(def)
	return &f, nil
}

const outboxColumns = `id, conversation_id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var conversationID, payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &conversationID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.ConversationID = conversationID.String
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
