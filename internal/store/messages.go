package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Address is one mailbox participant.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Recipients groups the to/cc/bcc lists of a message.
type Recipients struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc"`
	Bcc []Address `json:"bcc"`
}

// MessageRecord is one row of the messages table. MessageID is immutable
// once created; every other field is replaced wholesale by a later upsert.
type MessageRecord struct {
	MessageID   string
	ThreadID    string
	Sender      Address
	Recipients  Recipients
	Labels      []string
	Subject     string
	Body        string
	Size        int64
	Timestamp   time.Time
	IsRead      bool
	IsOutgoing  bool
	IsDeleted   bool
	LastIndexed time.Time
}

// UpsertResult reports whether an upsert created or replaced a row.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	Updated
)

func (r UpsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "updated"
}

// UpsertMessage writes rec by primary key, replacing the whole record on
// conflict, and stamps last_indexed. Concurrent calls for distinct ids do
// not interfere; concurrent calls for the same id resolve to last write
// wins with no torn row.
func (s *Store) UpsertMessage(ctx context.Context, rec *MessageRecord) (UpsertResult, error) {
	senderJSON, err := json.Marshal(rec.Sender)
	if err != nil {
		return Updated, fmt.Errorf("failed to encode sender: %w", err)
	}
	recipientsJSON, err := json.Marshal(rec.Recipients)
	if err != nil {
		return Updated, fmt.Errorf("failed to encode recipients: %w", err)
	}
	labels := rec.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return Updated, fmt.Errorf("failed to encode labels: %w", err)
	}

	// The insert's own row count decides Inserted vs Updated, so the
	// classification cannot race a concurrent writer of the same id:
	// SQLite serializes writers and exactly one insert creates the row.
	now := time.Now().Unix()
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(message_id, thread_id, sender, recipients, labels, subject, body,
		 size, timestamp, is_read, is_outgoing, is_deleted, last_indexed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.MessageID, rec.ThreadID, string(senderJSON), string(recipientsJSON), string(labelsJSON),
		nullable(rec.Subject), nullable(rec.Body),
		rec.Size, rec.Timestamp.Unix(), boolInt(rec.IsRead), boolInt(rec.IsOutgoing), boolInt(rec.IsDeleted), now)
	if err != nil {
		return Updated, classify(fmt.Errorf("failed to insert message %s: %w", rec.MessageID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Updated, fmt.Errorf("failed to read insert result for message %s: %w", rec.MessageID, err)
	}
	if n == 1 {
		return Inserted, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		UPDATE messages SET
			thread_id = ?,
			sender = ?,
			recipients = ?,
			labels = ?,
			subject = ?,
			body = ?,
			size = ?,
			timestamp = ?,
			is_read = ?,
			is_outgoing = ?,
			is_deleted = ?,
			last_indexed = ?
		WHERE message_id = ?
	`, rec.ThreadID, string(senderJSON), string(recipientsJSON), string(labelsJSON),
		nullable(rec.Subject), nullable(rec.Body),
		rec.Size, rec.Timestamp.Unix(), boolInt(rec.IsRead), boolInt(rec.IsOutgoing), boolInt(rec.IsDeleted), now,
		rec.MessageID)
	if err != nil {
		return Updated, classify(fmt.Errorf("failed to update message %s: %w", rec.MessageID, err))
	}
	return Updated, nil
}

// GetMessage loads one record by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	var (
		rec                        MessageRecord
		senderJSON, recipientsJSON string
		labelsJSON                 string
		subject, body              sql.NullString
		ts, lastIndexed            int64
		isRead, isOutgoing, isDel  int
	)

	err := s.DB.QueryRowContext(ctx, `
		SELECT message_id, thread_id, sender, recipients, labels, subject, body,
		       size, timestamp, is_read, is_outgoing, is_deleted, last_indexed
		FROM messages WHERE message_id = ?
	`, id).Scan(&rec.MessageID, &rec.ThreadID, &senderJSON, &recipientsJSON, &labelsJSON,
		&subject, &body, &rec.Size, &ts, &isRead, &isOutgoing, &isDel, &lastIndexed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, classify(fmt.Errorf("failed to load message %s: %w", id, err))
	}

	if err := json.Unmarshal([]byte(senderJSON), &rec.Sender); err != nil {
		return nil, classify(&StorageError{Kind: KindCorrupt, Err: fmt.Errorf("bad sender json for %s: %w", id, err)})
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &rec.Recipients); err != nil {
		return nil, classify(&StorageError{Kind: KindCorrupt, Err: fmt.Errorf("bad recipients json for %s: %w", id, err)})
	}
	if err := json.Unmarshal([]byte(labelsJSON), &rec.Labels); err != nil {
		return nil, classify(&StorageError{Kind: KindCorrupt, Err: fmt.Errorf("bad labels json for %s: %w", id, err)})
	}

	rec.Subject = subject.String
	rec.Body = body.String
	rec.Timestamp = time.Unix(ts, 0)
	rec.LastIndexed = time.Unix(lastIndexed, 0)
	rec.IsRead = isRead != 0
	rec.IsOutgoing = isOutgoing != 0
	rec.IsDeleted = isDel != 0
	return &rec, nil
}

// MarkDeleted flips is_deleted for the given ids that are not already
// flagged and bumps last_indexed on the rows it touches. Idempotent:
// re-invoking with the same set changes nothing. Returns the number of
// rows newly flagged.
func (s *Store) MarkDeleted(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	var total int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET is_deleted = 1, last_indexed = ?
			WHERE message_id = ? AND is_deleted = 0
		`, now, id)
		if err != nil {
			return 0, classify(fmt.Errorf("failed to mark message %s deleted: %w", id, err))
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("failed to commit deletions: %w", err))
	}
	return total, nil
}

// ForEachKnownID streams message ids to fn without loading full records.
// Iteration stops on the first error fn returns.
func (s *Store) ForEachKnownID(ctx context.Context, includeDeleted bool, fn func(id string) error) error {
	query := `SELECT message_id FROM messages`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return classify(fmt.Errorf("failed to list message ids: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return classify(fmt.Errorf("failed to scan message id: %w", err))
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountMessages returns the number of rows, optionally including
// soft-deleted ones.
func (s *Store) CountMessages(ctx context.Context, includeDeleted bool) (int64, error) {
	query := `SELECT COUNT(*) FROM messages`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	var n int64
	if err := s.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("failed to count messages: %w", err))
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
