package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/util"
)

func (s *PostgresStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, error) {
	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outbox_messages (id, conversation_id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8, $8)
		 ON CONFLICT (dedupe_key) DO NOTHING
		 RETURNING id`,
		id, nilIfEmpty(msg.ConversationID), msg.Recipient, msg.Kind, msg.PayloadJSON,
		nilIfZero(msg.NextAttemptAt), nilIfEmpty(msg.DedupeKey), now,
	).Scan(&existingID)
	if err == nil {
		slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "conversationID", msg.ConversationID, "kind", msg.Kind)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}

	// The insert hit an existing dedupe key.
	err = s.db.QueryRowContext(ctx, `SELECT id FROM outbox_messages WHERE dedupe_key = $1`, msg.DedupeKey).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("outbox dedupe lookup failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
	return existingID, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY COALESCE(next_attempt_at, created_at) ASC, seq ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(msgs, func(i, j int) bool { return sendAt(&msgs[i]).Before(sendAt(&msgs[j])) })
	return msgs, nil
}

func (s *PostgresStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GiveUpOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("give up outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelOutboxMessages(ctx context.Context, conversationID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'canceled', updated_at = $1 WHERE conversation_id = $2 AND status = 'queued'`,
		time.Now(), conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
