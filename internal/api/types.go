package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Status describes the running daemon.
type Status struct {
	Profile          string `json:"profile"`
	State            string `json:"state"`
	Reason           string `json:"reason,omitempty"`
	UptimeMS         int64  `json:"uptime_ms"`
	PendingFragments int    `json:"pending_fragments"`
	Gateway          bool   `json:"gateway"`
	LastSyncPass     string `json:"last_sync_pass,omitempty"`
	LastSyncSuccess  string `json:"last_sync_success,omitempty"`
}

// EntityResult is the outcome of a single-entity sync or resolution.
type EntityResult struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

// PassReport summarizes an on-demand batch sync.
type PassReport struct {
	Outcome   string         `json:"outcome"`
	Synced    int            `json:"synced"`
	Conflicts int            `json:"conflicts"`
	Retryable int            `json:"retryable"`
	Fatal     int            `json:"fatal"`
	Failures  []EntityResult `json:"failures,omitempty"`
}

// Sent acknowledges an enqueued outbound message.
type Sent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ConflictInfo is one entity awaiting resolution.
type ConflictInfo struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// ConflictList wraps ListConflicts results.
type ConflictList struct {
	Conflicts []ConflictInfo `json:"conflicts"`
}

// EntityRef addresses an entity in requests.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SendRequest is the SendText request body.
type SendRequest struct {
	Address  string `json:"address"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id,omitempty"`
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}
