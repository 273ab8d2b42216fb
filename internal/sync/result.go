package sync

import (
	"errors"

	"github.com/matheus3301/msgrelay/internal/model"
)

var (
	// ErrUnsupportedEntity is returned for entity types with no adapter.
	ErrUnsupportedEntity = errors.New("unsupported entity type")
	// ErrNoConflict is returned when resolving an entity that is not in
	// conflict and not already synced.
	ErrNoConflict = errors.New("entity is not in conflict")
	// ErrMissingEverywhere is recorded when an entity exists neither locally
	// nor remotely.
	ErrMissingEverywhere = errors.New("entity missing locally and remotely")
)

// Outcome classifies a sync attempt for the caller's scheduler.
type Outcome int

const (
	// Synced means the entity reached SYNCED.
	Synced Outcome = iota
	// Conflict means the entity is in CONFLICT and needs explicit resolution.
	Conflict
	// Retryable means a transient failure left the entity unchanged.
	Retryable
	// Fatal means the attempt failed in a way retrying will not fix.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case Conflict:
		return "conflict"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Action is the data movement a sync attempt performed.
type Action string

const (
	ActionNone     Action = "none"
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
)

// Result is the outcome of one entity sync or conflict resolution.
type Result struct {
	Key     model.EntityKey
	Outcome Outcome
	Action  Action
	Err     error
}

// PassResult summarizes a batch sync.
type PassResult struct {
	Outcome   Outcome
	Results   []Result
	Synced    int
	Conflicts int
	Retryable int
	Fatal     int
}

// OK reports whether every entity in the pass reached SYNCED.
func (p *PassResult) OK() bool { return p.Outcome == Synced }

// Errors returns the errors of entities that did not sync, joined.
func (p *PassResult) Errors() error {
	var errs []error
	for _, r := range p.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

func (p *PassResult) add(r Result) {
	p.Results = append(p.Results, r)
	switch r.Outcome {
	case Synced:
		p.Synced++
	case Conflict:
		p.Conflicts++
	case Retryable:
		p.Retryable++
	case Fatal:
		p.Fatal++
	}
}

// finish derives the pass outcome: a retryable failure dominates so the
// scheduler backs off and tries again; otherwise fatal, then conflict.
func (p *PassResult) finish() {
	switch {
	case p.Retryable > 0:
		p.Outcome = Retryable
	case p.Fatal > 0:
		p.Outcome = Fatal
	case p.Conflicts > 0:
		p.Outcome = Conflict
	default:
		p.Outcome = Synced
	}
}
