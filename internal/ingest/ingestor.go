// Package ingest turns raw inbound fragment batches into stored messages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/fragment"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	"go.uber.org/zap"
)

// SyncMarker flags a new local entity for upload.
type SyncMarker interface {
	MarkLocalChange(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error)
}

// Ingestor reassembles fragments and persists the resulting messages as
// RECEIVED inbound records.
type Ingestor struct {
	buf    *fragment.Buffer
	db     *store.DB
	sync   SyncMarker
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	cancel context.CancelFunc
}

// New creates an Ingestor.
func New(buf *fragment.Buffer, db *store.DB, marker SyncMarker, b *bus.Bus, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{buf: buf, db: db, sync: marker, bus: b, logger: logger, now: time.Now}
}

// SetClock overrides the clock used for fragments without a timestamp.
func (i *Ingestor) SetClock(now func() time.Time) { i.now = now }

// HandleBatch feeds one batch through the fragment buffer and stores every
// message it completes.
func (i *Ingestor) HandleBatch(ctx context.Context, batch []fragment.Fragment) ([]*model.Message, error) {
	return i.persist(ctx, i.buf.Reassemble(batch))
}

// Sweep stores groups that expired while no new traffic arrived.
func (i *Ingestor) Sweep(ctx context.Context) ([]*model.Message, error) {
	return i.persist(ctx, i.buf.Sweep())
}

func (i *Ingestor) persist(ctx context.Context, complete []fragment.Message) ([]*model.Message, error) {
	var (
		stored []*model.Message
		errs   []error
	)
	for _, c := range complete {
		created := c.Timestamp
		if created.IsZero() {
			created = i.now()
		}
		msg := &model.Message{
			ID:        uuid.NewString(),
			Address:   c.Address,
			Body:      c.Body,
			Direction: model.Inbound,
			Status:    model.StatusReceived,
			ThreadID:  c.Address,
			MultiPart: c.MultiPart,
			CreatedAt: created,
		}
		if err := i.db.InsertMessage(ctx, msg); err != nil {
			i.logger.Error("failed to store inbound message", zap.String("address", c.Address), zap.Error(err))
			errs = append(errs, fmt.Errorf("store message from %s: %w", c.Address, err))
			continue
		}
		if i.sync != nil {
			if _, err := i.sync.MarkLocalChange(ctx, model.EntityKey{Type: model.EntityMessage, ID: msg.ID}); err != nil {
				i.logger.Warn("failed to flag message for sync", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
		i.logger.Info("message received",
			zap.String("message_id", msg.ID),
			zap.String("address", msg.Address),
			zap.Bool("multi_part", msg.MultiPart),
			zap.Int("parts", c.Parts),
			zap.Bool("expired", c.Expired))
		i.bus.Publish(bus.NewEvent(bus.KindMessageReceived, msg.ID))
		stored = append(stored, msg)
	}
	return stored, errors.Join(errs...)
}

// Start runs Sweep on a ticker so incomplete groups are flushed once they
// expire even when no further batches arrive.
func (i *Ingestor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, i.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := i.Sweep(ctx); err != nil {
					i.logger.Error("sweep failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (i *Ingestor) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
}

// Pending returns the number of incomplete fragment groups held.
func (i *Ingestor) Pending() int {
	return i.buf.Pending()
}
