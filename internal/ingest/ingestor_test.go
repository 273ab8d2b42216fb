package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/fragment"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Ingestor, *store.DB, *syncstate.Tracker, *clock, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := &clock{now: time.UnixMilli(5_000_000)}
	b := bus.New()
	tracker := syncstate.NewTracker(db, b, nil)
	buf := fragment.New(nil, fragment.WithClock(c.Now))
	ing := New(buf, db, tracker, b, nil)
	ing.SetClock(c.Now)
	return ing, db, tracker, c, b
}

func TestHandleBatchStoresReceivedMessage(t *testing.T) {
	ing, db, tracker, _, b := setup(t)
	ctx := context.Background()
	events, unsub := b.Subscribe(bus.KindMessageReceived, 4)
	defer unsub()

	ts := time.UnixMilli(4_000_000)
	stored, err := ing.HandleBatch(ctx, []fragment.Fragment{
		{Address: "+1555", Payload: "World", Timestamp: ts.Add(time.Second), Envelope: fragment.Concat8(5, 2, 2)},
		{Address: "+1555", Payload: "Hello ", Timestamp: ts, Envelope: fragment.Concat8(5, 2, 1)},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	msg, err := db.GetMessage(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", msg.Body)
	assert.Equal(t, model.Inbound, msg.Direction)
	assert.Equal(t, model.StatusReceived, msg.Status)
	assert.True(t, msg.MultiPart)
	assert.Equal(t, ts, msg.CreatedAt)
	assert.Equal(t, "+1555", msg.ThreadID)

	rec, err := tracker.Get(ctx, model.EntityKey{Type: model.EntityMessage, ID: msg.ID})
	require.NoError(t, err)
	assert.Equal(t, model.SyncPendingUpload, rec.Status)
	assert.Equal(t, 1, rec.PendingOps)

	evt := <-events
	assert.Equal(t, msg.ID, evt.Payload)
}

func TestHandleBatchHoldsIncompleteGroups(t *testing.T) {
	ing, _, _, _, _ := setup(t)

	stored, err := ing.HandleBatch(context.Background(), []fragment.Fragment{
		{Address: "+1", Payload: "a", Envelope: fragment.Concat8(1, 2, 1)},
	})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 1, ing.Pending())
}

func TestSweepStoresExpiredGroup(t *testing.T) {
	ing, db, _, c, _ := setup(t)
	ctx := context.Background()

	_, err := ing.HandleBatch(ctx, []fragment.Fragment{
		{Address: "+1", Payload: "only head", Envelope: fragment.Concat16(300, 3, 1)},
	})
	require.NoError(t, err)

	stored, err := ing.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	c.Advance(fragment.ExpiryWindow + time.Second)
	stored, err = ing.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].MultiPart)
	// Zero fragment timestamps fall back to the ingest clock.
	assert.Equal(t, c.Now(), stored[0].CreatedAt)

	all, err := db.ListMessagesByStatus(ctx, model.Inbound, []model.DeliveryStatus{model.StatusReceived}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	stored, err = ing.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
