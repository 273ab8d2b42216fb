package bus

import "time"

// Event kinds published by the relay.
const (
	KindMessageReceived    = "message.received"
	KindMessageEnqueued    = "message.enqueued"
	KindDeliveryTransition = "delivery.transition"
	KindDeliveryStats      = "delivery.stats"
	KindSyncEntity         = "sync.entity"
	KindSyncPass           = "sync.pass"
	KindHealth             = "daemon.health"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
