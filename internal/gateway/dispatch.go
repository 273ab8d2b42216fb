package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/fragment"
	"github.com/matheus3301/msgrelay/internal/model"
	"go.uber.org/zap"
)

// ErrPoison marks a delivery that can never be processed. Poison deliveries
// are acknowledged and dropped.
var ErrPoison = errors.New("poison message")

// BatchHandler accepts reassembly input.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch []fragment.Fragment) ([]*model.Message, error)
}

// ReceiptApplier applies delivery receipts to stored messages.
type ReceiptApplier interface {
	Lookup(ctx context.Context, id, transportID string) (*model.Message, error)
	MarkSent(ctx context.Context, id string) (delivery.Result, error)
	MarkDelivered(ctx context.Context, id string) (delivery.Result, error)
	MarkFailed(ctx context.Context, id, code, message string) (delivery.Result, error)
}

// Dispatcher decodes queue bodies and routes them into the relay.
type Dispatcher struct {
	ingest   BatchHandler
	receipts ReceiptApplier
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(ingest BatchHandler, receipts ReceiptApplier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{ingest: ingest, receipts: receipts, logger: logger}
}

// Inbound handles one fragment batch body.
func (d *Dispatcher) Inbound(ctx context.Context, body []byte) error {
	var batch FragmentBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return fmt.Errorf("%w: decode fragment batch: %v", ErrPoison, err)
	}
	frags := make([]fragment.Fragment, 0, len(batch.Fragments))
	for i, w := range batch.Fragments {
		if w.Address == "" {
			return fmt.Errorf("%w: fragment %d has no address", ErrPoison, i)
		}
		frags = append(frags, w.fragment())
	}
	if len(frags) == 0 {
		return nil
	}

	msgs, err := d.ingest.HandleBatch(ctx, frags)
	if err != nil {
		// Fragments already entered the buffer; redelivery would duplicate
		// the messages that did persist.
		d.logger.Error("failed to persist inbound messages",
			zap.Int("persisted", len(msgs)), zap.Error(err))
	}
	d.logger.Debug("inbound batch handled",
		zap.Int("fragments", len(frags)), zap.Int("messages", len(msgs)))
	return nil
}

// Receipt handles one delivery receipt body. Receipts for unknown messages
// or that no longer apply are dropped; store failures are returned for
// redelivery.
func (d *Dispatcher) Receipt(ctx context.Context, body []byte) error {
	var r Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%w: decode receipt: %v", ErrPoison, err)
	}
	if r.MessageID == "" && r.TransportID == "" {
		return fmt.Errorf("%w: receipt without message or transport id", ErrPoison)
	}

	msg, err := d.receipts.Lookup(ctx, r.MessageID, r.TransportID)
	if errors.Is(err, delivery.ErrNotFound) {
		d.logger.Warn("receipt for unknown message",
			zap.String("message_id", r.MessageID), zap.String("transport_id", r.TransportID))
		return nil
	}
	if err != nil {
		return err
	}

	var res delivery.Result
	switch r.Status {
	case ReceiptSent:
		res, err = d.receipts.MarkSent(ctx, msg.ID)
	case ReceiptDelivered:
		res, err = d.receipts.MarkDelivered(ctx, msg.ID)
	case ReceiptFailed:
		code, details := "transport_error", ""
		if r.Error != nil {
			if r.Error.Code != "" {
				code = r.Error.Code
			}
			details = r.Error.Details
		}
		res, err = d.receipts.MarkFailed(ctx, msg.ID, code, details)
	default:
		return fmt.Errorf("%w: unknown receipt status %q", ErrPoison, r.Status)
	}

	switch {
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, delivery.ErrInvalidTransition):
		d.logger.Warn("receipt dropped",
			zap.String("message_id", msg.ID), zap.String("status", r.Status), zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	if !res.Changed {
		d.logger.Debug("receipt was a no-op", zap.String("message_id", msg.ID), zap.String("status", r.Status))
	}
	return nil
}

// acknowledger is the settle half of amqp091.Delivery.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle acks successes and poison, and requeues everything else.
func settle(d acknowledger, err error) error {
	if err == nil || errors.Is(err, ErrPoison) {
		return d.Ack(false)
	}
	return d.Nack(false, true)
}
