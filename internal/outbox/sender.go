// Package outbox drains PENDING outbound messages into the transport and
// requeues failed ones once their backoff has elapsed.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	"go.uber.org/zap"
)

// SendErrorCode is recorded on messages the transport refused to accept.
const SendErrorCode = "send_error"

const batchSize = 50

// TextSender hands a message to the host transport.
type TextSender interface {
	SendText(ctx context.Context, msg *model.Message) (transportID string, err error)
}

// Sender drains the outbox through the transport.
type Sender struct {
	db       *store.DB
	machine  *delivery.Machine
	sender   TextSender
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, machine *delivery.Machine, sender TextSender, interval time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		db:       db,
		machine:  machine,
		sender:   sender,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessOnce requeues retry-eligible failures and sends every queued message.
func (s *Sender) ProcessOnce(ctx context.Context) {
	s.requeueFailed(ctx)

	queued, err := s.db.ListMessagesByStatus(ctx, model.Outbound,
		[]model.DeliveryStatus{model.StatusPending, model.StatusPendingRetry}, batchSize)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, msg := range queued {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, msg)
	}
}

func (s *Sender) requeueFailed(ctx context.Context) {
	failed, err := s.db.ListMessagesByStatus(ctx, model.Outbound, []model.DeliveryStatus{model.StatusFailed}, batchSize)
	if err != nil {
		s.logger.Error("failed to read failed messages", zap.Error(err))
		return
	}
	now := s.now()
	for _, msg := range failed {
		if !delivery.IsRetryEligible(msg, now) {
			continue
		}
		if _, err := s.machine.RequeueRetry(ctx, msg.ID); err != nil && !errors.Is(err, delivery.ErrNotEligible) {
			s.logger.Error("failed to requeue message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

func (s *Sender) send(ctx context.Context, msg *model.Message) {
	if msg.Status == model.StatusPendingRetry {
		if _, err := s.machine.Resume(ctx, msg.ID); err != nil {
			s.logger.Error("failed to resume message", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
	}

	transportID, err := s.sender.SendText(ctx, msg)
	if err != nil {
		s.logger.Error("failed to send message", zap.String("message_id", msg.ID), zap.Error(err))
		if _, ferr := s.machine.MarkFailed(ctx, msg.ID, SendErrorCode, err.Error()); ferr != nil {
			s.logger.Error("failed to mark failed", zap.String("message_id", msg.ID), zap.Error(ferr))
		}
		return
	}

	if _, err := s.machine.AttachTransportID(ctx, msg.ID, transportID); err != nil {
		s.logger.Error("failed to attach transport id", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if _, err := s.machine.MarkSent(ctx, msg.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	s.logger.Info("message sent", zap.String("message_id", msg.ID), zap.String("transport_id", transportID))
}
