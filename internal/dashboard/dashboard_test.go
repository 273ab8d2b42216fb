package dashboard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status    *api.Status
	delivery  delivery.Stats
	sync      syncstate.Stats
	syncErr   error
	syncTypes []string
}

func (f *fakeSource) Status(context.Context) (*api.Status, error) { return f.status, nil }

func (f *fakeSource) DeliveryStats(context.Context) (delivery.Stats, error) { return f.delivery, nil }

func (f *fakeSource) SyncStats(_ context.Context, entityType string) (syncstate.Stats, error) {
	f.syncTypes = append(f.syncTypes, entityType)
	return f.sync, f.syncErr
}

func TestFetch(t *testing.T) {
	src := &fakeSource{
		status:   &api.Status{Profile: "main", State: "READY", Gateway: true},
		delivery: delivery.Stats{Sent: 3, Delivered: 1, DeliveryRate: 0.25},
		sync:     syncstate.Stats{Total: 2, Synced: 2},
	}
	snap, err := Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "READY", snap.Status.State)
	assert.Equal(t, 3, snap.Delivery.Sent)
	assert.Equal(t, 2, snap.Sync.Synced)
	assert.Equal(t, []string{""}, src.syncTypes)
	assert.False(t, snap.FetchedAt.IsZero())

	src.syncErr = errors.New("unavailable")
	_, err = Fetch(context.Background(), src)
	assert.ErrorContains(t, err, "sync stats")
}

func TestStatsTableUpdate(t *testing.T) {
	table := NewStatsTable(DefaultTheme())
	table.Update(&Snapshot{
		Delivery: delivery.Stats{Pending: 4, Failed: 1, DeliveryRate: 0.5},
		Sync:     syncstate.Stats{Total: 7, Conflicts: 2},
	})

	assert.Equal(t, "DELIVERY", table.GetCell(0, 0).Text)
	assert.Equal(t, "SYNC", table.GetCell(0, 2).Text)
	assert.Equal(t, "pending", table.GetCell(1, 0).Text)
	assert.Equal(t, "4", table.GetCell(1, 1).Text)
	assert.Equal(t, "50.0%", table.GetCell(6, 1).Text)
	assert.Equal(t, "7", table.GetCell(1, 3).Text)
}

func TestRowWarnings(t *testing.T) {
	rows := deliveryRows(delivery.Stats{Failed: 1})
	assert.Equal(t, "failed", rows[3].label)
	assert.True(t, rows[3].warn)
	assert.False(t, rows[4].warn, "no exhausted records")

	rows = syncRows(syncstate.Stats{Errors: 3})
	assert.False(t, rows[4].warn, "no conflicts")
	assert.True(t, rows[5].warn)
	assert.Equal(t, "3", rows[5].value)
}

func TestStatusBarLine(t *testing.T) {
	sb := NewStatusBar(DefaultTheme(), "work")
	assert.Contains(t, sb.Line(), "work")
	assert.Contains(t, sb.Line(), "connecting")

	sb.SetSnapshot(&Snapshot{
		Status:    &api.Status{State: "DEGRADED", Reason: "remote unreachable"},
		FetchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	sb.SetFlash("boom")
	line := sb.Line()
	assert.Contains(t, line, "DEGRADED (remote unreachable)")
	assert.Contains(t, line, "gateway off")
	assert.Contains(t, line, "03:04:05")
	assert.True(t, strings.HasSuffix(line, "[yellow]boom[-]"))
}

func TestBindings(t *testing.T) {
	var b Bindings
	quit := 0
	b.Add(&Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Handler: func() { quit++ }})
	b.Add(&Action{Key: tcell.KeyF10, Description: "F10:quit", Handler: func() { quit++ }})

	assert.True(t, b.Handle(tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)))
	assert.True(t, b.Handle(tcell.NewEventKey(tcell.KeyF10, 0, tcell.ModNone)))
	assert.False(t, b.Handle(tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)))
	assert.Equal(t, 2, quit)
	assert.Equal(t, []string{"q:quit", "F10:quit"}, b.Hints())
}

func TestFlashExpires(t *testing.T) {
	var f Flash
	f.Set("hello", time.Hour)
	assert.Equal(t, "hello", f.Get())
	f.Clear()
	assert.Empty(t, f.Get())
	f.Set("gone", -time.Second)
	assert.Empty(t, f.Get())
}
