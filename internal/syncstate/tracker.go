// Package syncstate keeps the per-entity synchronization bookkeeping. Every
// operation is a single-record read-modify-write against the store; none of
// them touch the network.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for entities that never participated in sync.
	ErrNotFound = errors.New("sync record not found")
	// ErrNotRequeueable is returned when requeueing an entity outside ERROR.
	ErrNotRequeueable = errors.New("entity is not in ERROR")
)

// Tracker records sync state transitions for entities.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. bus and logger may be nil.
func NewTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, bus: b, logger: logger, now: time.Now}
}

// SetClock overrides the wall clock used for sync timestamps.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Change is the payload of sync.entity events.
type Change struct {
	Key    model.EntityKey
	Status model.SyncStatus
	Error  string
}

func (t *Tracker) update(ctx context.Context, key model.EntityKey, origin model.Transfer, fn func(*model.SyncRecord) (bool, error)) (*model.SyncRecord, error) {
	before := model.SyncStatus("")
	r, err := t.db.UpdateSyncRecord(ctx, key, origin, func(r *model.SyncRecord) (bool, error) {
		before = r.Status
		return fn(r)
	})
	if err != nil {
		return nil, err
	}
	if r.Status != before {
		t.logger.Debug("sync status changed",
			zap.String("entity_type", key.Type), zap.String("entity_id", key.ID),
			zap.String("from", string(before)), zap.String("to", string(r.Status)))
		t.bus.Publish(bus.NewEvent(bus.KindSyncEntity, Change{Key: key, Status: r.Status, Error: r.LastError}))
	}
	return r, nil
}

// Register creates the record for an entity first seen locally (Upload) or
// remotely (Download). Existing records are left untouched.
func (t *Tracker) Register(ctx context.Context, key model.EntityKey, origin model.Transfer) (*model.SyncRecord, error) {
	return t.update(ctx, key, origin, func(*model.SyncRecord) (bool, error) { return false, nil })
}

// Get returns the record for key.
func (t *Tracker) Get(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error) {
	r, err := t.db.GetSyncRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// MarkPending flags the entity for transfer in the given direction.
func (t *Tracker) MarkPending(ctx context.Context, key model.EntityKey, dir model.Transfer) (*model.SyncRecord, error) {
	return t.update(ctx, key, dir, func(r *model.SyncRecord) (bool, error) {
		return r.MarkPending(dir), nil
	})
}

// MarkLocalChange records one local modification awaiting upload: the
// pending operation counter is incremented and the entity is flagged for
// upload in the same write.
func (t *Tracker) MarkLocalChange(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error) {
	return t.update(ctx, key, model.Upload, func(r *model.SyncRecord) (bool, error) {
		r.IncrementPendingOps()
		r.MarkPending(model.Upload)
		return true, nil
	})
}

// Synced describes a completed reconciliation.
type Synced struct {
	RemoteModifiedAt time.Time
	ETag             string
	Version          int64
	// SettledOps is the number of pending operations this reconciliation
	// covers, either uploaded or superseded by the remote copy.
	SettledOps int
}

// MarkSynced moves the entity to SYNCED. Local changes that arrived after
// the upload was prepared keep the entity pending upload.
func (t *Tracker) MarkSynced(ctx context.Context, key model.EntityKey, s Synced) (*model.SyncRecord, error) {
	return t.update(ctx, key, model.Download, func(r *model.SyncRecord) (bool, error) {
		r.MarkSynced(t.now(), s.RemoteModifiedAt, s.ETag, s.Version)
		for range s.SettledOps {
			r.DecrementPendingOps()
		}
		if r.PendingOps > 0 {
			r.MarkPending(model.Upload)
		}
		return true, nil
	})
}

// MarkConflict stores both diverging versions and moves the entity to CONFLICT.
func (t *Tracker) MarkConflict(ctx context.Context, key model.EntityKey, payload []byte) (*model.SyncRecord, error) {
	return t.update(ctx, key, model.Upload, func(r *model.SyncRecord) (bool, error) {
		if err := r.MarkConflict(payload); err != nil {
			return false, fmt.Errorf("mark conflict %s: %w", key, err)
		}
		return true, nil
	})
}

// IncrementPendingOps counts one more local change awaiting upload.
func (t *Tracker) IncrementPendingOps(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error) {
	return t.update(ctx, key, model.Upload, func(r *model.SyncRecord) (bool, error) {
		r.IncrementPendingOps()
		return true, nil
	})
}

// DecrementPendingOps removes one pending change, clamped at zero.
func (t *Tracker) DecrementPendingOps(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error) {
	return t.update(ctx, key, model.Upload, func(r *model.SyncRecord) (bool, error) {
		if r.PendingOps == 0 {
			return false, nil
		}
		r.DecrementPendingOps()
		return true, nil
	})
}

// RecordError moves the entity to ERROR. Quarantined entities are excluded
// from batch passes until requeued.
func (t *Tracker) RecordError(ctx context.Context, key model.EntityKey, msg string, quarantine bool) (*model.SyncRecord, error) {
	return t.update(ctx, key, model.Upload, func(r *model.SyncRecord) (bool, error) {
		r.RecordError(msg, quarantine)
		return true, nil
	})
}

// Requeue releases an entity from ERROR, including quarantine.
func (t *Tracker) Requeue(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error) {
	if _, err := t.Get(ctx, key); err != nil {
		return nil, err
	}
	var requeued bool
	r, err := t.update(ctx, key, model.Upload, func(r *model.SyncRecord) (bool, error) {
		requeued = r.Requeue()
		return requeued, nil
	})
	if err != nil {
		return nil, err
	}
	if !requeued {
		return r, ErrNotRequeueable
	}
	return r, nil
}

// Outstanding lists entities a batch pass should visit: every non-SYNCED
// entity except quarantined ones.
func (t *Tracker) Outstanding(ctx context.Context) ([]*model.SyncRecord, error) {
	return t.db.ListSyncRecords(ctx, []model.SyncStatus{
		model.SyncPendingUpload, model.SyncPendingDownload, model.SyncConflict, model.SyncError,
	}, false)
}

// Conflicts lists entities awaiting explicit resolution.
func (t *Tracker) Conflicts(ctx context.Context) ([]*model.SyncRecord, error) {
	return t.db.ListSyncRecords(ctx, []model.SyncStatus{model.SyncConflict}, true)
}

// Stats summarizes sync state for one entity type.
type Stats struct {
	Total           int `json:"total"`
	Synced          int `json:"synced"`
	PendingUpload   int `json:"pending_upload"`
	PendingDownload int `json:"pending_download"`
	Conflicts       int `json:"conflicts"`
	Errors          int `json:"errors"`
}

// Stats counts records of entityType by status. An empty type counts all.
func (t *Tracker) Stats(ctx context.Context, entityType string) (Stats, error) {
	counts, err := t.db.CountSyncRecords(ctx, entityType)
	if err != nil {
		return Stats{}, fmt.Errorf("count sync records: %w", err)
	}
	s := Stats{
		Synced:          counts[model.SyncSynced],
		PendingUpload:   counts[model.SyncPendingUpload],
		PendingDownload: counts[model.SyncPendingDownload],
		Conflicts:       counts[model.SyncConflict],
		Errors:          counts[model.SyncError],
	}
	s.Total = s.Synced + s.PendingUpload + s.PendingDownload + s.Conflicts + s.Errors
	return s, nil
}

// Prune drops SYNCED records whose last sync is older than retention.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := t.db.PruneSyncRecords(ctx, t.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune sync records: %w", err)
	}
	if n > 0 {
		t.logger.Info("pruned sync records", zap.Int64("count", n))
	}
	return n, nil
}
