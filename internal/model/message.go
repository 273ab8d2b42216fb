package model

import (
	"fmt"
	"slices"
	"time"
)

// EntityMessage is the sync entity type for message records.
const EntityMessage = "message"

// Direction tells whether a message was received or is being sent.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// DeliveryStatus is the lifecycle state of a message record.
type DeliveryStatus string

const (
	StatusReceived     DeliveryStatus = "RECEIVED"
	StatusPending      DeliveryStatus = "PENDING"
	StatusSent         DeliveryStatus = "SENT"
	StatusDelivered    DeliveryStatus = "DELIVERED"
	StatusFailed       DeliveryStatus = "FAILED"
	StatusPendingRetry DeliveryStatus = "PENDING_RETRY"
)

// MaxRetries bounds the number of failed send cycles a record may accumulate.
const MaxRetries = 3

// deliveryTransitions defines allowed status transitions. FAILED -> FAILED
// covers a repeated failure report while retry budget remains.
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:      {StatusSent, StatusFailed},
	StatusSent:         {StatusDelivered, StatusFailed},
	StatusFailed:       {StatusFailed, StatusPendingRetry},
	StatusPendingRetry: {StatusPending},
	StatusDelivered:    {},
	StatusReceived:     {},
}

// ParseDeliveryStatus converts a stored or wire value into a DeliveryStatus.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(s)
	if _, ok := deliveryTransitions[st]; !ok {
		return "", fmt.Errorf("unknown delivery status %q", s)
	}
	return st, nil
}

// CanTransition reports whether moving from s to next is allowed.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	return slices.Contains(deliveryTransitions[s], next)
}

// ParseDirection converts a stored or wire value into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Inbound, Outbound:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Message is the canonical local record of one logical message.
// Zero times mean "not set".
type Message struct {
	ID          string
	TransportID string
	Address     string
	Body        string
	Direction   Direction
	Status      DeliveryStatus
	ThreadID    string
	MultiPart   bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SentAt      time.Time
	DeliveredAt time.Time
	NextRetryAt time.Time

	RetryCount   int
	ErrorCode    string
	ErrorMessage string

	SyncVersion int64
	ETag        string
}

// ModifiedAt is the local modification time used for last-write-wins.
func (m *Message) ModifiedAt() time.Time {
	if m.UpdatedAt.After(m.CreatedAt) {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// Terminal reports whether no further delivery transitions can happen.
func (m *Message) Terminal() bool {
	switch m.Status {
	case StatusDelivered, StatusReceived:
		return true
	case StatusFailed:
		return m.RetryCount >= MaxRetries
	}
	return false
}

// AdoptVersion raises the sync version to v; it never decreases.
func (m *Message) AdoptVersion(v int64) {
	if v > m.SyncVersion {
		m.SyncVersion = v
	}
}
