package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PutCheckpoint stores a named progress marker.
func (db *DB) PutCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO checkpoints (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetCheckpoint returns a named progress marker, or ErrNotFound.
func (db *DB) GetCheckpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}
