package syncstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTracker(t *testing.T) (*Tracker, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	tr := NewTracker(db, b, nil)
	tr.SetClock(func() time.Time { return time.UnixMilli(10_000) })
	return tr, b
}

func key(id string) model.EntityKey {
	return model.EntityKey{Type: model.EntityMessage, ID: id}
}

func TestRegisterInitialStatus(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	local, err := tr.Register(ctx, key("local"), model.Upload)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPendingUpload, local.Status)

	remote, err := tr.Register(ctx, key("remote"), model.Download)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPendingDownload, remote.Status)

	again, err := tr.Register(ctx, key("local"), model.Download)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPendingUpload, again.Status, "register must not reset an existing record")

	_, err = tr.Get(ctx, key("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkLocalChangeAndSynced(t *testing.T) {
	tr, b := testTracker(t)
	ctx := context.Background()
	events, unsub := b.Subscribe(bus.KindSyncEntity, 10)
	defer unsub()

	_, err := tr.MarkSynced(ctx, key("m1"), Synced{ETag: "e1", Version: 1})
	require.NoError(t, err)
	<-events

	r, err := tr.MarkLocalChange(ctx, key("m1"))
	require.NoError(t, err)
	assert.Equal(t, model.SyncPendingUpload, r.Status)
	assert.Equal(t, 1, r.PendingOps)
	evt := <-events
	assert.Equal(t, model.SyncPendingUpload, evt.Payload.(Change).Status)

	_, err = tr.MarkLocalChange(ctx, key("m1"))
	require.NoError(t, err)

	// An upload that covered only the first change leaves the entity pending.
	r, err = tr.MarkSynced(ctx, key("m1"), Synced{ETag: "e2", Version: 2, SettledOps: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SyncPendingUpload, r.Status)
	assert.Equal(t, 1, r.PendingOps)
	assert.Equal(t, "e2", r.ETag)

	r, err = tr.MarkSynced(ctx, key("m1"), Synced{ETag: "e3", Version: 3, SettledOps: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SyncSynced, r.Status)
	assert.Zero(t, r.PendingOps)
	assert.Equal(t, time.UnixMilli(10_000), r.LastSyncedAt)
}

func TestPendingOpsClampedAtZero(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	r, err := tr.DecrementPendingOps(ctx, key("m1"))
	require.NoError(t, err)
	assert.Zero(t, r.PendingOps)

	_, err = tr.IncrementPendingOps(ctx, key("m1"))
	require.NoError(t, err)
	r, err = tr.DecrementPendingOps(ctx, key("m1"))
	require.NoError(t, err)
	assert.Zero(t, r.PendingOps)
}

func TestConflictLifecycle(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	_, err := tr.MarkConflict(ctx, key("m1"), nil)
	assert.ErrorIs(t, err, model.ErrEmptyConflict)

	r, err := tr.MarkConflict(ctx, key("m1"), []byte(`{"local":{},"remote":{}}`))
	require.NoError(t, err)
	assert.Equal(t, model.SyncConflict, r.Status)

	r, err = tr.MarkPending(ctx, key("m1"), model.Download)
	require.NoError(t, err)
	assert.Equal(t, model.SyncConflict, r.Status)

	conflicts, err := tr.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.NotEmpty(t, conflicts[0].ConflictPayload)

	r, err = tr.MarkSynced(ctx, key("m1"), Synced{Version: 4})
	require.NoError(t, err)
	assert.Nil(t, r.ConflictPayload)
}

func TestRecordErrorQuarantineAndRequeue(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	_, err := tr.Register(ctx, key("ok"), model.Upload)
	require.NoError(t, err)
	_, err = tr.RecordError(ctx, key("poison"), "malformed payload", true)
	require.NoError(t, err)
	_, err = tr.RecordError(ctx, key("flaky"), "upload rejected", false)
	require.NoError(t, err)

	batch, err := tr.Outstanding(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(batch))
	for _, r := range batch {
		ids = append(ids, r.Key.ID)
	}
	assert.ElementsMatch(t, []string{"ok", "flaky"}, ids)

	_, err = tr.Requeue(ctx, key("ok"))
	assert.ErrorIs(t, err, ErrNotRequeueable)
	_, err = tr.Requeue(ctx, key("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := tr.Requeue(ctx, key("poison"))
	require.NoError(t, err)
	assert.False(t, r.Quarantined)
	assert.Equal(t, model.SyncPendingDownload, r.Status)

	batch, err = tr.Outstanding(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
}

func TestStatsAndPrune(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	_, _ = tr.Register(ctx, key("a"), model.Upload)
	_, _ = tr.Register(ctx, key("b"), model.Download)
	_, _ = tr.MarkConflict(ctx, key("c"), []byte("{}"))
	_, _ = tr.RecordError(ctx, key("d"), "x", false)
	_, _ = tr.MarkSynced(ctx, key("e"), Synced{})
	_, _ = tr.Register(ctx, model.EntityKey{Type: "thread", ID: "t1"}, model.Upload)

	s, err := tr.Stats(ctx, model.EntityMessage)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Synced: 1, PendingUpload: 1, PendingDownload: 1, Conflicts: 1, Errors: 1}, s)

	all, err := tr.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)

	n, err := tr.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	tr.SetClock(func() time.Time { return time.UnixMilli(10_000).Add(time.Hour) })
	n, err = tr.Prune(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
