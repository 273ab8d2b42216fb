// Package delivery advances outbound messages through their send lifecycle:
// PENDING -> SENT -> DELIVERED, or into FAILED with bounded, exponentially
// backed-off retry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	"go.uber.org/zap"
)

// BaseDelay is the first retry backoff step.
const BaseDelay = time.Minute

var (
	// ErrNotFound is returned for transitions on unknown message ids.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a transition is requested from a
	// non-terminal state that does not allow it.
	ErrInvalidTransition = errors.New("invalid delivery transition")
	// ErrNotEligible is returned when requeueing a record that may not retry yet.
	ErrNotEligible = errors.New("message not eligible for retry")
)

// Backoff returns the delay before retry number n: BaseDelay * 2^n.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return BaseDelay << n
}

// IsRetryEligible reports whether a FAILED record may be resent at now.
func IsRetryEligible(m *model.Message, now time.Time) bool {
	return m.Status == model.StatusFailed &&
		m.RetryCount < model.MaxRetries &&
		now.Sub(m.CreatedAt) > Backoff(m.RetryCount)
}

// Result reports the outcome of a transition. Changed is false for
// idempotent no-ops such as repeated receipts on a terminal record.
type Result struct {
	Changed bool
	Message *model.Message
}

// Transition is the payload of delivery.transition events.
type Transition struct {
	MessageID string
	From      model.DeliveryStatus
	To        model.DeliveryStatus
}

// SyncMarker flags an entity for upload after a local change.
type SyncMarker interface {
	MarkLocalChange(ctx context.Context, key model.EntityKey) (*model.SyncRecord, error)
}

// Machine applies delivery transitions to stored messages.
type Machine struct {
	db     *store.DB
	sync   SyncMarker
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a Machine. marker, bus and logger may be nil.
func NewMachine(db *store.DB, marker SyncMarker, b *bus.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{db: db, sync: marker, bus: b, logger: logger, now: time.Now}
}

// SetClock overrides the wall clock.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Enqueue creates a PENDING outbound message and registers it for upload.
func (m *Machine) Enqueue(ctx context.Context, address, body, threadID string) (*model.Message, error) {
	if address == "" {
		return nil, errors.New("enqueue: empty address")
	}
	msg := &model.Message{
		ID:        uuid.NewString(),
		Address:   address,
		Body:      body,
		ThreadID:  threadID,
		Direction: model.Outbound,
		Status:    model.StatusPending,
		CreatedAt: m.now(),
	}
	if err := m.db.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	m.logger.Info("message enqueued", zap.String("message_id", msg.ID), zap.String("address", address))
	m.bus.Publish(bus.NewEvent(bus.KindMessageEnqueued, msg.ID))
	m.markSync(ctx, msg.ID)
	return msg, nil
}

// Get returns a message by local id.
func (m *Machine) Get(ctx context.Context, id string) (*model.Message, error) {
	msg, err := m.db.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return msg, err
}

// Lookup finds a message by local id, falling back to the host transport id.
func (m *Machine) Lookup(ctx context.Context, id, transportID string) (*model.Message, error) {
	if id != "" {
		msg, err := m.db.GetMessage(ctx, id)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return msg, err
		}
	}
	msg, err := m.db.FindByTransportID(ctx, transportID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: id=%q transport_id=%q", ErrNotFound, id, transportID)
	}
	return msg, err
}

// AttachTransportID records the id the host transport assigned to the message.
func (m *Machine) AttachTransportID(ctx context.Context, id, transportID string) (Result, error) {
	return m.apply(ctx, id, func(msg *model.Message, now time.Time) (bool, error) {
		if transportID == "" || msg.TransportID == transportID {
			return false, nil
		}
		msg.TransportID = transportID
		msg.UpdatedAt = now
		return true, nil
	})
}

// MarkSent records acceptance by the transport. Only PENDING records move;
// anything already SENT or later is left as is.
func (m *Machine) MarkSent(ctx context.Context, id string) (Result, error) {
	return m.apply(ctx, id, func(msg *model.Message, now time.Time) (bool, error) {
		if msg.Status != model.StatusPending {
			return false, nil
		}
		msg.Status = model.StatusSent
		msg.SentAt = now
		msg.UpdatedAt = now
		return true, nil
	})
}

// MarkDelivered records a delivery receipt for a SENT record. Terminal
// records are left untouched so repeated receipts keep the first timestamp.
func (m *Machine) MarkDelivered(ctx context.Context, id string) (Result, error) {
	return m.apply(ctx, id, func(msg *model.Message, now time.Time) (bool, error) {
		if msg.Terminal() {
			return false, nil
		}
		if !msg.Status.CanTransition(model.StatusDelivered) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, model.StatusDelivered)
		}
		msg.Status = model.StatusDelivered
		msg.DeliveredAt = now
		msg.UpdatedAt = now
		return true, nil
	})
}

// MarkFailed records a send failure from PENDING or SENT, or a repeated
// failure report on a FAILED record that still has retry budget. The retry
// count never exceeds model.MaxRetries; once it does the record is terminal
// and further calls are no-ops.
func (m *Machine) MarkFailed(ctx context.Context, id, code, message string) (Result, error) {
	return m.apply(ctx, id, func(msg *model.Message, now time.Time) (bool, error) {
		if msg.Terminal() {
			return false, nil
		}
		if !msg.Status.CanTransition(model.StatusFailed) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, model.StatusFailed)
		}
		msg.Status = model.StatusFailed
		msg.RetryCount++
		msg.ErrorCode = code
		msg.ErrorMessage = message
		msg.NextRetryAt = msg.CreatedAt.Add(Backoff(msg.RetryCount))
		msg.UpdatedAt = now
		if msg.RetryCount >= model.MaxRetries {
			msg.NextRetryAt = time.Time{}
		}
		return true, nil
	})
}

// RequeueRetry moves an eligible FAILED record to PENDING_RETRY.
func (m *Machine) RequeueRetry(ctx context.Context, id string) (Result, error) {
	return m.apply(ctx, id, func(msg *model.Message, now time.Time) (bool, error) {
		if !IsRetryEligible(msg, now) {
			return false, fmt.Errorf("%w: %s (status %s, retries %d)", ErrNotEligible, id, msg.Status, msg.RetryCount)
		}
		msg.Status = model.StatusPendingRetry
		msg.UpdatedAt = now
		return true, nil
	})
}

// Resume returns a PENDING_RETRY record to PENDING so it can be resent.
func (m *Machine) Resume(ctx context.Context, id string) (Result, error) {
	return m.apply(ctx, id, func(msg *model.Message, now time.Time) (bool, error) {
		if msg.Status == model.StatusPending {
			return false, nil
		}
		if !msg.Status.CanTransition(model.StatusPending) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, model.StatusPending)
		}
		msg.Status = model.StatusPending
		msg.NextRetryAt = time.Time{}
		msg.UpdatedAt = now
		return true, nil
	})
}

func (m *Machine) apply(ctx context.Context, id string, fn func(*model.Message, time.Time) (bool, error)) (Result, error) {
	var (
		from    model.DeliveryStatus
		changed bool
	)
	now := m.now()
	msg, err := m.db.UpdateMessage(ctx, id, func(msg *model.Message) (bool, error) {
		if msg.Direction != model.Outbound {
			return false, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, msg.Direction)
		}
		from = msg.Status
		var err error
		changed, err = fn(msg, now)
		return changed, err
	})
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Result{}, err
	}

	if !changed {
		return Result{Message: msg}, nil
	}
	if from != msg.Status {
		m.logger.Info("delivery transition",
			zap.String("message_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(msg.Status)),
			zap.Int("retry_count", msg.RetryCount))
		m.bus.Publish(bus.NewEvent(bus.KindDeliveryTransition, Transition{MessageID: id, From: from, To: msg.Status}))
	}
	// A retry bump without a status change can still move a message into
	// the exhausted bucket.
	m.publishStats(ctx)
	m.markSync(ctx, id)
	return Result{Changed: true, Message: msg}, nil
}

// markSync flags the message for upload. It is a separate write from the
// message update and is never rolled into the same transaction.
func (m *Machine) markSync(ctx context.Context, id string) {
	if m.sync == nil {
		return
	}
	if _, err := m.sync.MarkLocalChange(ctx, model.EntityKey{Type: model.EntityMessage, ID: id}); err != nil {
		m.logger.Warn("failed to flag message for sync", zap.String("message_id", id), zap.Error(err))
	}
}

func (m *Machine) publishStats(ctx context.Context) {
	stats, err := m.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to compute delivery stats", zap.Error(err))
		return
	}
	m.bus.Publish(bus.NewEvent(bus.KindDeliveryStats, stats))
}
