package delivery

import (
	"context"
	"fmt"

	"github.com/matheus3301/msgrelay/internal/model"
)

// Stats is a derived view over outbound message records.
type Stats struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	// Exhausted counts FAILED records with no retry budget left.
	Exhausted int `json:"exhausted"`
	// DeliveryRate is delivered / (sent + delivered), 0 when nothing was sent.
	DeliveryRate float64 `json:"delivery_rate"`
}

// Stats recomputes delivery statistics from the store.
func (m *Machine) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.db.CountMessages(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	s := Stats{
		Pending:   counts.ByStatus[model.StatusPending] + counts.ByStatus[model.StatusPendingRetry],
		Sent:      counts.ByStatus[model.StatusSent],
		Delivered: counts.ByStatus[model.StatusDelivered],
		Failed:    counts.ByStatus[model.StatusFailed],
		Exhausted: counts.Exhausted,
	}
	if reached := s.Sent + s.Delivered; reached > 0 {
		s.DeliveryRate = float64(s.Delivered) / float64(reached)
	}
	return s, nil
}
