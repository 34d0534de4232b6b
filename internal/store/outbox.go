package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage is one pending event in the outbox table.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// EnqueueIndexed records a message.indexed event in the outbox. msgID is
// the deduplication key; re-enqueuing the same key is a no-op so repeated
// upserts of the same remote message do not fan out duplicate events.
func (s *Store) EnqueueIndexed(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return classify(fmt.Errorf("failed to enqueue outbox entry: %w", err))
	}
	return nil
}

// DequeueOutbox fetches up to limit unpublished events that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query outbox: %w", err))
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, classify(fmt.Errorf("failed to scan outbox row: %w", err))
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks one outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return classify(fmt.Errorf("failed to mark outbox entry published: %w", err))
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return classify(fmt.Errorf("failed to mark outbox retry: %w", err))
	}
	return nil
}
