package model

import (
	"errors"
	"fmt"
	"time"
)

// SyncStatus is the synchronization state of one entity.
type SyncStatus string

const (
	SyncSynced          SyncStatus = "SYNCED"
	SyncPendingUpload   SyncStatus = "PENDING_UPLOAD"
	SyncPendingDownload SyncStatus = "PENDING_DOWNLOAD"
	SyncConflict        SyncStatus = "CONFLICT"
	SyncError           SyncStatus = "ERROR"
)

// ParseSyncStatus converts a stored value into a SyncStatus.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(s); st {
	case SyncSynced, SyncPendingUpload, SyncPendingDownload, SyncConflict, SyncError:
		return st, nil
	}
	return "", fmt.Errorf("unknown sync status %q", s)
}

// Transfer is the direction of a pending synchronization.
type Transfer int

const (
	Upload Transfer = iota
	Download
)

func (t Transfer) status() SyncStatus {
	if t == Download {
		return SyncPendingDownload
	}
	return SyncPendingUpload
}

// EntityKey identifies a synchronized entity.
type EntityKey struct {
	Type string
	ID   string
}

func (k EntityKey) String() string { return k.Type + "/" + k.ID }

// ErrEmptyConflict is returned when a conflict is recorded without a payload.
var ErrEmptyConflict = errors.New("conflict payload must not be empty")

// SyncRecord is the per-entity synchronization bookkeeping. ConflictPayload
// is non-nil exactly when Status is SyncConflict. Quarantined records are
// skipped by batch passes until requeued.
type SyncRecord struct {
	Key              EntityKey
	Status           SyncStatus
	LastSyncedAt     time.Time
	RemoteModifiedAt time.Time
	ETag             string
	SyncVersion      int64
	PendingOps       int
	LastError        string
	ConflictPayload  []byte
	Quarantined      bool
	UpdatedAt        time.Time
}

// NewSyncRecord returns a fresh record for an entity first seen locally
// (Upload) or remotely (Download).
func NewSyncRecord(key EntityKey, origin Transfer) *SyncRecord {
	return &SyncRecord{Key: key, Status: origin.status()}
}

// MarkPending flags the entity for transfer. A conflicted entity stays in
// conflict until resolved.
func (r *SyncRecord) MarkPending(t Transfer) bool {
	if r.Status == SyncConflict {
		return false
	}
	next := t.status()
	if r.Status == next && r.LastError == "" {
		return false
	}
	r.Status = next
	r.LastError = ""
	return true
}

// MarkSynced records a successful reconciliation and clears any conflict.
func (r *SyncRecord) MarkSynced(now, remoteModifiedAt time.Time, etag string, version int64) {
	r.Status = SyncSynced
	r.LastSyncedAt = now
	if !remoteModifiedAt.IsZero() {
		r.RemoteModifiedAt = remoteModifiedAt
	}
	r.ETag = etag
	if version > r.SyncVersion {
		r.SyncVersion = version
	}
	r.LastError = ""
	r.ConflictPayload = nil
	r.Quarantined = false
}

// MarkConflict is the only way a conflict payload is set.
func (r *SyncRecord) MarkConflict(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyConflict
	}
	r.Status = SyncConflict
	r.ConflictPayload = payload
	return nil
}

// IncrementPendingOps counts one more local change awaiting upload.
func (r *SyncRecord) IncrementPendingOps() {
	r.PendingOps++
}

// DecrementPendingOps clamps at zero.
func (r *SyncRecord) DecrementPendingOps() {
	if r.PendingOps > 0 {
		r.PendingOps--
	}
}

// RecordError moves the entity to ERROR.
func (r *SyncRecord) RecordError(msg string, quarantine bool) {
	r.Status = SyncError
	r.LastError = msg
	r.ConflictPayload = nil
	r.Quarantined = quarantine
}

// Requeue releases an entity from ERROR back into the automatic batches.
func (r *SyncRecord) Requeue() bool {
	if r.Status != SyncError {
		return false
	}
	r.Quarantined = false
	r.LastError = ""
	if r.PendingOps > 0 {
		r.Status = SyncPendingUpload
	} else {
		r.Status = SyncPendingDownload
	}
	return true
}

// NeedsUpload reports whether local changes are waiting to be pushed.
func (r *SyncRecord) NeedsUpload() bool {
	return r.PendingOps > 0 || r.Status == SyncPendingUpload
}
