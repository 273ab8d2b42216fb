// Package sync reconciles local entities with the remote message service:
// conditional fetch, upload, conflict detection, and explicit last-write-wins
// conflict resolution.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	gosync "sync"
	"time"

	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/remote"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Remote is the remote message service contract.
type Remote interface {
	Fetch(ctx context.Context, entityType, id, etag string) (*remote.FetchResult, error)
	Upload(ctx context.Context, entityType, id, ifMatch string, doc []byte) (*remote.UploadResult, error)
}

// Options tunes an Engine.
type Options struct {
	// Concurrency bounds parallel entity syncs within one pass.
	Concurrency int
	// Policy picks the surviving copy. Defaults to LastWriteWins.
	Policy Policy
}

const lockStripes = 64

// Engine reconciles entities. Concurrent calls for the same entity are
// serialized; identical concurrent syncs share one attempt.
type Engine struct {
	tracker  *syncstate.Tracker
	remote   Remote
	adapters map[string]Adapter
	policy   Policy
	limit    int
	bus      *bus.Bus
	logger   *zap.Logger

	flights singleflight.Group
	locks   [lockStripes]gosync.Mutex
}

// NewEngine creates an Engine. Register adapters before use.
func NewEngine(tracker *syncstate.Tracker, r Remote, opts Options, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = LastWriteWins
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Engine{
		tracker:  tracker,
		remote:   r,
		adapters: make(map[string]Adapter),
		policy:   opts.Policy,
		limit:    opts.Concurrency,
		bus:      b,
		logger:   logger,
	}
}

// Register binds an adapter to an entity type.
func (e *Engine) Register(entityType string, a Adapter) {
	e.adapters[entityType] = a
}

func (e *Engine) lock(key model.EntityKey) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	mu := &e.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// SyncEntity reconciles one entity.
func (e *Engine) SyncEntity(ctx context.Context, entityType, id string) Result {
	key := model.EntityKey{Type: entityType, ID: id}
	v, _, _ := e.flights.Do("sync:"+key.String(), func() (any, error) {
		defer e.lock(key)()
		return e.syncEntity(ctx, key), nil
	})
	res := v.(Result)
	e.logResult("sync entity", res)
	return res
}

// ConflictPayload captures both diverging copies of an entity.
type ConflictPayload struct {
	Local            json.RawMessage `json:"local"`
	Remote           json.RawMessage `json:"remote"`
	LocalModifiedAt  time.Time       `json:"local_modified_at"`
	RemoteModifiedAt time.Time       `json:"remote_modified_at"`
	LocalVersion     int64           `json:"local_version"`
	RemoteVersion    int64           `json:"remote_version"`
	RemoteETag       string          `json:"remote_etag"`
}

func (e *Engine) syncEntity(ctx context.Context, key model.EntityKey) Result {
	adapter, ok := e.adapters[key.Type]
	if !ok {
		return fatal(key, fmt.Errorf("%w: %q", ErrUnsupportedEntity, key.Type))
	}

	local, err := adapter.Snapshot(ctx, key.ID)
	if err != nil && !errors.Is(err, ErrLocalNotFound) {
		return retryable(key, fmt.Errorf("load local %s: %w", key, err))
	}
	origin := model.Download
	if local != nil {
		origin = model.Upload
	}
	rec, err := e.tracker.Register(ctx, key, origin)
	if err != nil {
		return retryable(key, fmt.Errorf("load sync record %s: %w", key, err))
	}
	if rec.Status == model.SyncConflict {
		return Result{Key: key, Outcome: Conflict, Action: ActionNone}
	}

	// A pruned record comes back at version zero; the local copy still
	// remembers the revision it was last reconciled with.
	base, etag := rec.SyncVersion, rec.ETag
	if local == nil {
		etag = ""
	} else if local.Version > base {
		base, etag = local.Version, local.ETag
	}
	fetched, err := e.remote.Fetch(ctx, key.Type, key.ID, etag)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		if local == nil {
			return e.fail(ctx, key, ErrMissingEverywhere, true)
		}
		return e.upload(ctx, key, adapter, local, rec, "")
	case err != nil:
		return e.fetchFailed(ctx, key, err)
	}

	if fetched.NotModified {
		if local != nil && rec.NeedsUpload() {
			return e.upload(ctx, key, adapter, local, rec, etag)
		}
		if _, err := e.tracker.MarkSynced(ctx, key, syncstate.Synced{
			RemoteModifiedAt: rec.RemoteModifiedAt,
			ETag:             etag,
			Version:          base,
		}); err != nil {
			return retryable(key, err)
		}
		return Result{Key: key, Outcome: Synced, Action: ActionNone}
	}

	ent := fetched.Entity
	if local == nil {
		return e.download(ctx, key, adapter, ent, rec)
	}
	if rec.NeedsUpload() && ent.Version != base {
		return e.conflict(ctx, key, local, ent)
	}
	if e.policy(local.ModifiedAt, ent.ModifiedAt) == KeepLocal {
		return e.upload(ctx, key, adapter, local, rec, ent.ETag)
	}
	return e.download(ctx, key, adapter, ent, rec)
}

// ResolveConflict settles a CONFLICT entity with the configured policy,
// comparing the current local copy against the current remote copy. The
// losing side is overwritten. Resolving an entity that is already SYNCED
// succeeds without doing anything.
func (e *Engine) ResolveConflict(ctx context.Context, entityType, id string) Result {
	key := model.EntityKey{Type: entityType, ID: id}
	v, _, _ := e.flights.Do("resolve:"+key.String(), func() (any, error) {
		defer e.lock(key)()
		return e.resolve(ctx, key), nil
	})
	res := v.(Result)
	e.logResult("resolve conflict", res)
	return res
}

func (e *Engine) resolve(ctx context.Context, key model.EntityKey) Result {
	adapter, ok := e.adapters[key.Type]
	if !ok {
		return fatal(key, fmt.Errorf("%w: %q", ErrUnsupportedEntity, key.Type))
	}
	rec, err := e.tracker.Get(ctx, key)
	if errors.Is(err, syncstate.ErrNotFound) {
		return fatal(key, err)
	}
	if err != nil {
		return retryable(key, err)
	}
	switch rec.Status {
	case model.SyncSynced:
		return Result{Key: key, Outcome: Synced, Action: ActionNone}
	case model.SyncConflict:
	default:
		return fatal(key, fmt.Errorf("%w: %s is %s", ErrNoConflict, key, rec.Status))
	}

	local, err := adapter.Snapshot(ctx, key.ID)
	if err != nil && !errors.Is(err, ErrLocalNotFound) {
		return retryable(key, err)
	}
	fetched, err := e.remote.Fetch(ctx, key.Type, key.ID, "")
	switch {
	case errors.Is(err, remote.ErrNotFound):
		if local == nil {
			return e.fail(ctx, key, ErrMissingEverywhere, true)
		}
		return e.upload(ctx, key, adapter, local, rec, "")
	case err != nil:
		return e.fetchFailed(ctx, key, err)
	}
	ent := fetched.Entity
	if local == nil || e.policy(local.ModifiedAt, ent.ModifiedAt) == KeepRemote {
		return e.download(ctx, key, adapter, ent, rec)
	}
	return e.upload(ctx, key, adapter, local, rec, ent.ETag)
}

func (e *Engine) upload(ctx context.Context, key model.EntityKey, a Adapter, local *Local, rec *model.SyncRecord, ifMatch string) Result {
	res, err := e.remote.Upload(ctx, key.Type, key.ID, ifMatch, local.Doc)
	switch {
	case err == nil:
	case remote.IsTransient(err), errors.Is(err, remote.ErrPreconditionFailed):
		return retryable(key, fmt.Errorf("upload %s: %w", key, err))
	default:
		return e.fail(ctx, key, fmt.Errorf("upload %s: %w", key, err), false)
	}

	if err := a.Adopt(ctx, key.ID, res.ETag, res.Version); err != nil {
		return retryable(key, fmt.Errorf("adopt %s: %w", key, err))
	}
	modified := res.ModifiedAt
	if modified.IsZero() {
		modified = local.ModifiedAt
	}
	if _, err := e.tracker.MarkSynced(ctx, key, syncstate.Synced{
		RemoteModifiedAt: modified,
		ETag:             res.ETag,
		Version:          res.Version,
		SettledOps:       rec.PendingOps,
	}); err != nil {
		return retryable(key, err)
	}
	return Result{Key: key, Outcome: Synced, Action: ActionUpload}
}

func (e *Engine) download(ctx context.Context, key model.EntityKey, a Adapter, ent *remote.Entity, rec *model.SyncRecord) Result {
	if err := a.Apply(ctx, key.ID, ent); err != nil {
		if errors.Is(err, remote.ErrMalformedPayload) {
			return e.fail(ctx, key, err, true)
		}
		return retryable(key, fmt.Errorf("apply %s: %w", key, err))
	}
	if _, err := e.tracker.MarkSynced(ctx, key, syncstate.Synced{
		RemoteModifiedAt: ent.ModifiedAt,
		ETag:             ent.ETag,
		Version:          ent.Version,
		SettledOps:       rec.PendingOps,
	}); err != nil {
		return retryable(key, err)
	}
	return Result{Key: key, Outcome: Synced, Action: ActionDownload}
}

func (e *Engine) conflict(ctx context.Context, key model.EntityKey, local *Local, ent *remote.Entity) Result {
	payload, err := json.Marshal(ConflictPayload{
		Local:            local.Doc,
		Remote:           ent.Data,
		LocalModifiedAt:  local.ModifiedAt,
		RemoteModifiedAt: ent.ModifiedAt,
		LocalVersion:     local.Version,
		RemoteVersion:    ent.Version,
		RemoteETag:       ent.ETag,
	})
	if err != nil {
		return fatal(key, fmt.Errorf("encode conflict %s: %w", key, err))
	}
	if _, err := e.tracker.MarkConflict(ctx, key, payload); err != nil {
		return retryable(key, err)
	}
	e.logger.Warn("sync conflict detected",
		zap.String("entity_type", key.Type), zap.String("entity_id", key.ID),
		zap.Int64("local_version", local.Version), zap.Int64("remote_version", ent.Version))
	return Result{Key: key, Outcome: Conflict, Action: ActionNone}
}

// fetchFailed leaves the entity untouched on transient errors. Malformed
// payloads quarantine the entity so batch passes stop retrying it.
func (e *Engine) fetchFailed(ctx context.Context, key model.EntityKey, err error) Result {
	if remote.IsTransient(err) {
		return retryable(key, fmt.Errorf("fetch %s: %w", key, err))
	}
	return e.fail(ctx, key, fmt.Errorf("fetch %s: %w", key, err), errors.Is(err, remote.ErrMalformedPayload))
}

func (e *Engine) fail(ctx context.Context, key model.EntityKey, cause error, quarantine bool) Result {
	if _, err := e.tracker.RecordError(ctx, key, cause.Error(), quarantine); err != nil {
		return retryable(key, errors.Join(cause, err))
	}
	return fatal(key, cause)
}

func retryable(key model.EntityKey, err error) Result {
	return Result{Key: key, Outcome: Retryable, Action: ActionNone, Err: err}
}

func fatal(key model.EntityKey, err error) Result {
	return Result{Key: key, Outcome: Fatal, Action: ActionNone, Err: err}
}

func (e *Engine) logResult(op string, r Result) {
	fields := []zap.Field{
		zap.String("entity_type", r.Key.Type),
		zap.String("entity_id", r.Key.ID),
		zap.Stringer("outcome", r.Outcome),
		zap.String("action", string(r.Action)),
	}
	switch r.Outcome {
	case Retryable:
		e.logger.Warn(op+" retryable", append(fields, zap.Error(r.Err))...)
	case Fatal:
		e.logger.Error(op+" failed", append(fields, zap.Error(r.Err))...)
	default:
		e.logger.Debug(op, fields...)
	}
}

// SyncAll runs SyncEntity over every outstanding entity, skipping
// quarantined ones. Entities that fail keep their state for the next pass.
func (e *Engine) SyncAll(ctx context.Context) *PassResult {
	start := time.Now()
	pass := &PassResult{}

	records, err := e.tracker.Outstanding(ctx)
	if err != nil {
		pass.add(retryable(model.EntityKey{}, fmt.Errorf("list outstanding: %w", err)))
		pass.finish()
		return pass
	}

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for _, rec := range records {
		g.Go(func() error {
			var r Result
			if err := gctx.Err(); err != nil {
				r = retryable(rec.Key, err)
			} else {
				r = e.SyncEntity(gctx, rec.Key.Type, rec.Key.ID)
			}
			mu.Lock()
			pass.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	pass.finish()

	e.logger.Info("sync pass finished",
		zap.Int("entities", len(records)),
		zap.Int("synced", pass.Synced),
		zap.Int("conflicts", pass.Conflicts),
		zap.Int("retryable", pass.Retryable),
		zap.Int("fatal", pass.Fatal),
		zap.Stringer("outcome", pass.Outcome),
		zap.Duration("elapsed", time.Since(start)))
	e.bus.Publish(bus.NewEvent(bus.KindSyncPass, PassSummary{
		Outcome: pass.Outcome.String(), Entities: len(records),
		Synced: pass.Synced, Conflicts: pass.Conflicts, Retryable: pass.Retryable, Fatal: pass.Fatal,
	}))
	return pass
}

// PassSummary is the payload of sync.pass events.
type PassSummary struct {
	Outcome   string
	Entities  int
	Synced    int
	Conflicts int
	Retryable int
	Fatal     int
}

// Stats returns sync counts for one entity type; empty means all types.
func (e *Engine) Stats(ctx context.Context, entityType string) (syncstate.Stats, error) {
	return e.tracker.Stats(ctx, entityType)
}

// Requeue releases an ERROR entity back into batch passes.
func (e *Engine) Requeue(ctx context.Context, entityType, id string) error {
	_, err := e.tracker.Requeue(ctx, model.EntityKey{Type: entityType, ID: id})
	return err
}

// Conflicts lists entities awaiting resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]*model.SyncRecord, error) {
	return e.tracker.Conflicts(ctx)
}
