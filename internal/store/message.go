package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/msgrelay/internal/model"
)

const messageColumns = `id, transport_id, address, body, direction, status, thread_id, multi_part,
	created_at, updated_at, sent_at, delivered_at, next_retry_at,
	retry_count, error_code, error_message, sync_version, etag`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m                                          model.Message
		direction, status                          string
		created, updated, sent, delivered, nextTry int64
	)
	err := row.Scan(&m.ID, &m.TransportID, &m.Address, &m.Body, &direction, &status, &m.ThreadID, &m.MultiPart,
		&created, &updated, &sent, &delivered, &nextTry,
		&m.RetryCount, &m.ErrorCode, &m.ErrorMessage, &m.SyncVersion, &m.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Direction, err = model.ParseDirection(direction); err != nil {
		return nil, err
	}
	if m.Status, err = model.ParseDeliveryStatus(status); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.SentAt = fromMillis(sent)
	m.DeliveredAt = fromMillis(delivered)
	m.NextRetryAt = fromMillis(nextTry)
	return &m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func messageArgs(m *model.Message) []any {
	return []any{
		m.ID, m.TransportID, m.Address, m.Body, string(m.Direction), string(m.Status), m.ThreadID, m.MultiPart,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt), toMillis(m.SentAt), toMillis(m.DeliveredAt), toMillis(m.NextRetryAt),
		m.RetryCount, m.ErrorCode, m.ErrorMessage, m.SyncVersion, m.ETag,
	}
}

const insertMessageSQL = `INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func writeMessage(ctx context.Context, ex execer, m *model.Message) error {
	_, err := ex.ExecContext(ctx, insertMessageSQL+`
		ON CONFLICT(id) DO UPDATE SET
			transport_id = excluded.transport_id,
			address = excluded.address,
			body = excluded.body,
			status = excluded.status,
			thread_id = excluded.thread_id,
			multi_part = excluded.multi_part,
			updated_at = excluded.updated_at,
			sent_at = excluded.sent_at,
			delivered_at = excluded.delivered_at,
			next_retry_at = excluded.next_retry_at,
			retry_count = excluded.retry_count,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			sync_version = excluded.sync_version,
			etag = excluded.etag`, messageArgs(m)...)
	return err
}

// InsertMessage stores a new message record. Duplicate ids are rejected.
func (db *DB) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		return errors.New("insert message: empty id")
	}
	if _, err := db.ExecContext(ctx, insertMessageSQL, messageArgs(m)...); err != nil {
		return fmt.Errorf("insert message %q: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns a message by local id.
func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// FindByTransportID returns the message the host transport knows as transportID.
func (db *DB) FindByTransportID(ctx context.Context, transportID string) (*model.Message, error) {
	if transportID == "" {
		return nil, ErrNotFound
	}
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE transport_id = ? LIMIT 1`, transportID)
	return scanMessage(row)
}

// UpdateMessage performs an atomic read-modify-write of one message. fn
// reports whether it changed the record; unchanged records are not written.
// The returned message is the state after fn.
func (db *DB) UpdateMessage(ctx context.Context, id string, fn func(*model.Message) (bool, error)) (*model.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	changed, err := fn(m)
	if err != nil {
		return nil, err
	}
	if !changed {
		return m, nil
	}
	if err := writeMessage(ctx, tx, m); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// ListMessagesByStatus returns messages of the given direction in any of the
// statuses, oldest first.
func (db *DB) ListMessagesByStatus(ctx context.Context, direction model.Direction, statuses []model.DeliveryStatus, limit int) ([]*model.Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := []any{string(direction)}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, limit)
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE direction = ? AND status IN (`+placeholders(len(statuses))+`)
		ORDER BY created_at ASC
		LIMIT ?`, args...)
}

// ListMessagesCreatedBetween returns messages created in [from, to).
func (db *DB) ListMessagesCreatedBetween(ctx context.Context, from, to time.Time) ([]*model.Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`, from.UnixMilli(), to.UnixMilli())
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCounts holds message counts grouped by delivery status.
type MessageCounts struct {
	ByStatus  map[model.DeliveryStatus]int
	Exhausted int
}

// CountMessages groups outbound message counts by status and counts the
// FAILED records whose retry budget is spent.
func (db *DB) CountMessages(ctx context.Context) (*MessageCounts, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*),
			SUM(CASE WHEN status = 'FAILED' AND retry_count >= ? THEN 1 ELSE 0 END)
		FROM messages
		WHERE direction = 'OUTBOUND'
		GROUP BY status`, model.MaxRetries)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := &MessageCounts{ByStatus: make(map[model.DeliveryStatus]int)}
	for rows.Next() {
		var (
			status           string
			count, exhausted int
		)
		if err := rows.Scan(&status, &count, &exhausted); err != nil {
			return nil, err
		}
		st, err := model.ParseDeliveryStatus(status)
		if err != nil {
			return nil, err
		}
		counts.ByStatus[st] = count
		counts.Exhausted += exhausted
	}
	return counts, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
