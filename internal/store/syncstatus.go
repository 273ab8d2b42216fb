package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msgrelay/internal/model"
)

const syncColumns = `entity_type, entity_id, status, last_synced_at, remote_modified_at, etag,
	sync_version, pending_ops, last_error, conflict_payload, quarantined, updated_at`

func scanSyncRecord(row rowScanner) (*model.SyncRecord, error) {
	var (
		r                         model.SyncRecord
		status                    string
		synced, modified, updated int64
	)
	err := row.Scan(&r.Key.Type, &r.Key.ID, &status, &synced, &modified, &r.ETag,
		&r.SyncVersion, &r.PendingOps, &r.LastError, &r.ConflictPayload, &r.Quarantined, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Status, err = model.ParseSyncStatus(status); err != nil {
		return nil, err
	}
	r.LastSyncedAt = fromMillis(synced)
	r.RemoteModifiedAt = fromMillis(modified)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// GetSyncRecord returns the sync bookkeeping for one entity.
func (db *DB) GetSyncRecord(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_status WHERE entity_type = ? AND entity_id = ?`,
		key.Type, key.ID)
	return scanSyncRecord(row)
}

// UpdateSyncRecord performs an atomic read-modify-write of one sync record.
// A missing record is created lazily from model.NewSyncRecord(key, origin)
// before fn runs. fn reports whether it changed the record.
func (db *DB) UpdateSyncRecord(ctx context.Context, key model.EntityKey, origin model.Transfer, fn func(*model.SyncRecord) (bool, error)) (*model.SyncRecord, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := false
	r, err := scanSyncRecord(tx.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM sync_status WHERE entity_type = ? AND entity_id = ?`, key.Type, key.ID))
	if errors.Is(err, ErrNotFound) {
		r, created = model.NewSyncRecord(key, origin), true
	} else if err != nil {
		return nil, err
	}

	changed, err := fn(r)
	if err != nil {
		return nil, err
	}
	if !changed && !created {
		return r, nil
	}
	r.UpdatedAt = time.Now()

	var payload any
	if r.ConflictPayload != nil {
		payload = r.ConflictPayload
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_status (`+syncColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			status = excluded.status,
			last_synced_at = excluded.last_synced_at,
			remote_modified_at = excluded.remote_modified_at,
			etag = excluded.etag,
			sync_version = excluded.sync_version,
			pending_ops = excluded.pending_ops,
			last_error = excluded.last_error,
			conflict_payload = excluded.conflict_payload,
			quarantined = excluded.quarantined,
			updated_at = excluded.updated_at`,
		r.Key.Type, r.Key.ID, string(r.Status), toMillis(r.LastSyncedAt), toMillis(r.RemoteModifiedAt), r.ETag,
		r.SyncVersion, r.PendingOps, r.LastError, payload, r.Quarantined, toMillis(r.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("write sync record %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

// ListSyncRecords returns records in any of the given statuses. Quarantined
// records are included only when includeQuarantined is set.
func (db *DB) ListSyncRecords(ctx context.Context, statuses []model.SyncStatus, includeQuarantined bool) ([]*model.SyncRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	query := `SELECT ` + syncColumns + ` FROM sync_status WHERE status IN (` + placeholders(len(statuses)) + `)`
	if !includeQuarantined {
		query += ` AND quarantined = 0`
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*model.SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountSyncRecords groups sync record counts by status. An empty entityType
// counts every type.
func (db *DB) CountSyncRecords(ctx context.Context, entityType string) (map[model.SyncStatus]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_status
		WHERE ? = '' OR entity_type = ?
		GROUP BY status`, entityType, entityType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		st, err := model.ParseSyncStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = count
	}
	return counts, rows.Err()
}

// PruneSyncRecords deletes SYNCED records last synced before cutoff.
func (db *DB) PruneSyncRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM sync_status
		WHERE status = 'SYNCED' AND pending_ops = 0 AND last_synced_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
