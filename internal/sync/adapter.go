package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/remote"
	"github.com/matheus3301/msgrelay/internal/store"
)

// ErrLocalNotFound is returned by adapters for entities absent locally.
var ErrLocalNotFound = errors.New("entity not found locally")

// Local is a snapshot of the local copy of an entity. Version and ETag are
// the last remote revision the local copy was reconciled with.
type Local struct {
	Doc        []byte
	ModifiedAt time.Time
	Version    int64
	ETag       string
}

// Adapter moves one entity type between the local store and its remote
// document form.
type Adapter interface {
	// Snapshot returns the local copy, or ErrLocalNotFound.
	Snapshot(ctx context.Context, id string) (*Local, error)
	// Apply overwrites (or materializes) the local copy from a remote entity.
	// Undecodable documents yield remote.ErrMalformedPayload.
	Apply(ctx context.Context, id string, e *remote.Entity) error
	// Adopt records the entity tag and version returned by an upload.
	Adopt(ctx context.Context, id, etag string, version int64) error
}

// messageDoc is the remote document form of a message record. Times are
// written as Unix milliseconds; RFC 3339 strings are accepted on read.
type messageDoc struct {
	ID           string           `json:"id"`
	TransportID  string           `json:"transport_id,omitempty"`
	Address      string           `json:"address"`
	Body         string           `json:"body"`
	Direction    string           `json:"direction"`
	Status       string           `json:"status"`
	ThreadID     string           `json:"thread_id,omitempty"`
	MultiPart    bool             `json:"multi_part"`
	CreatedAt    remote.Timestamp `json:"created_at"`
	UpdatedAt    remote.Timestamp `json:"updated_at"`
	SentAt       remote.Timestamp `json:"sent_at,omitzero"`
	DeliveredAt  remote.Timestamp `json:"delivered_at,omitzero"`
	RetryCount   int              `json:"retry_count"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Version      int64            `json:"version"`
}

func encodeMessage(m *model.Message) ([]byte, error) {
	return json.Marshal(messageDoc{
		ID:           m.ID,
		TransportID:  m.TransportID,
		Address:      m.Address,
		Body:         m.Body,
		Direction:    string(m.Direction),
		Status:       string(m.Status),
		ThreadID:     m.ThreadID,
		MultiPart:    m.MultiPart,
		CreatedAt:    remote.At(m.CreatedAt),
		UpdatedAt:    remote.At(m.ModifiedAt()),
		SentAt:       remote.At(m.SentAt),
		DeliveredAt:  remote.At(m.DeliveredAt),
		RetryCount:   m.RetryCount,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		Version:      m.SyncVersion,
	})
}

func decodeMessage(data []byte) (*messageDoc, model.Direction, model.DeliveryStatus, error) {
	var doc messageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", remote.ErrMalformedPayload, err)
	}
	dir, err := model.ParseDirection(doc.Direction)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", remote.ErrMalformedPayload, err)
	}
	status, err := model.ParseDeliveryStatus(doc.Status)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", remote.ErrMalformedPayload, err)
	}
	if doc.Address == "" || doc.CreatedAt.IsZero() {
		return nil, "", "", fmt.Errorf("%w: message without address or created_at", remote.ErrMalformedPayload)
	}
	return &doc, dir, status, nil
}

// MessageAdapter syncs message records.
type MessageAdapter struct {
	db *store.DB
}

// NewMessageAdapter creates an adapter over the message table.
func NewMessageAdapter(db *store.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

func (a *MessageAdapter) Snapshot(ctx context.Context, id string) (*Local, error) {
	m, err := a.db.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLocalNotFound
	}
	if err != nil {
		return nil, err
	}
	doc, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	return &Local{Doc: doc, ModifiedAt: m.ModifiedAt(), Version: m.SyncVersion, ETag: m.ETag}, nil
}

// Apply takes every field from the remote copy. The retry count and sync
// version never move backwards.
func (a *MessageAdapter) Apply(ctx context.Context, id string, e *remote.Entity) error {
	doc, dir, status, err := decodeMessage(e.Data)
	if err != nil {
		return err
	}
	fill := func(m *model.Message) {
		m.TransportID = doc.TransportID
		m.Address = doc.Address
		m.Body = doc.Body
		m.Direction = dir
		m.Status = status
		m.ThreadID = doc.ThreadID
		m.MultiPart = doc.MultiPart
		m.CreatedAt = doc.CreatedAt.Time
		m.UpdatedAt = e.ModifiedAt
		m.SentAt = doc.SentAt.Time
		m.DeliveredAt = doc.DeliveredAt.Time
		m.RetryCount = max(m.RetryCount, doc.RetryCount)
		m.ErrorCode = doc.ErrorCode
		m.ErrorMessage = doc.ErrorMessage
		m.AdoptVersion(e.Version)
		m.ETag = e.ETag
	}

	_, err = a.db.UpdateMessage(ctx, id, func(m *model.Message) (bool, error) {
		fill(m)
		return true, nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m := &model.Message{ID: id}
	fill(m)
	return a.db.InsertMessage(ctx, m)
}

// Adopt leaves the modification time alone so an upload does not make the
// local copy look newer than the one just stored remotely.
func (a *MessageAdapter) Adopt(ctx context.Context, id, etag string, version int64) error {
	_, err := a.db.UpdateMessage(ctx, id, func(m *model.Message) (bool, error) {
		before := m.SyncVersion
		m.AdoptVersion(version)
		if m.ETag == etag && m.SyncVersion == before {
			return false, nil
		}
		m.ETag = etag
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrLocalNotFound
	}
	return err
}
