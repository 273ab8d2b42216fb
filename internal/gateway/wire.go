package gateway

import (
	"time"

	"github.com/matheus3301/msgrelay/internal/fragment"
)

// FragmentBatch is the body of an inbound queue delivery.
type FragmentBatch struct {
	Fragments []WireFragment `json:"fragments"`
}

// WireFragment is one fragment as published by the host platform. Envelope
// is base64 in JSON; Timestamp is Unix milliseconds.
type WireFragment struct {
	Address   string `json:"address"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
	Envelope  []byte `json:"envelope,omitempty"`
}

func (w WireFragment) fragment() fragment.Fragment {
	f := fragment.Fragment{
		Address:  w.Address,
		Payload:  w.Payload,
		Envelope: w.Envelope,
	}
	if w.Timestamp > 0 {
		f.Timestamp = time.UnixMilli(w.Timestamp)
	}
	return f
}

// Receipt statuses reported by the host platform.
const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptFailed    = "failed"
)

// Receipt is a delivery report for an outbound message. Either id may be
// empty but not both.
type Receipt struct {
	MessageID   string        `json:"message_id"`
	TransportID string        `json:"transport_id"`
	Status      string        `json:"status"`
	Error       *ReceiptError `json:"error,omitempty"`
}

// ReceiptError carries the transport's failure reason.
type ReceiptError struct {
	Code    string `json:"code"`
	Details string `json:"details"`
}

// SendRequest is published to the outbound exchange.
type SendRequest struct {
	MessageID string `json:"message_id"`
	Address   string `json:"address"`
	Body      string `json:"body"`
	ThreadID  string `json:"thread_id,omitempty"`
}
