package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/syncstate"
)

// Source is the subset of the daemon client the dashboard reads from.
type Source interface {
	Status(ctx context.Context) (*api.Status, error)
	DeliveryStats(ctx context.Context) (delivery.Stats, error)
	SyncStats(ctx context.Context, entityType string) (syncstate.Stats, error)
}

// Snapshot is one refresh worth of daemon state.
type Snapshot struct {
	Status    *api.Status
	Delivery  delivery.Stats
	Sync      syncstate.Stats
	FetchedAt time.Time
}

// Fetch reads a snapshot from src. The first failing call aborts the fetch.
func Fetch(ctx context.Context, src Source) (*Snapshot, error) {
	st, err := src.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	ds, err := src.DeliveryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	ss, err := src.SyncStats(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("sync stats: %w", err)
	}
	return &Snapshot{Status: st, Delivery: ds, Sync: ss, FetchedAt: time.Now()}, nil
}
