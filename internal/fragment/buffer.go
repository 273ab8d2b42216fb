// Package fragment reassembles multi-part transport fragments into complete
// messages.
package fragment

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiryWindow bounds how long an incomplete group is held before it is
// flushed with whatever parts arrived.
const ExpiryWindow = 2 * time.Minute

// Fragment is one raw transport fragment as delivered by the host platform.
type Fragment struct {
	Address   string
	Payload   string
	Timestamp time.Time
	Envelope  []byte
}

// Message is a reassembled logical message.
type Message struct {
	Address   string
	Body      string
	Timestamp time.Time
	MultiPart bool
	Parts     int
	// Expired is set when the group was flushed before all parts arrived.
	Expired bool
}

type groupKey struct {
	address string
	ref     uint16
	total   int
}

type part struct {
	payload   string
	timestamp time.Time
}

type group struct {
	parts         map[int]part
	firstSeen     time.Time
	firstDeclared time.Time
}

// Buffer holds incomplete fragment groups. It is safe for concurrent use;
// every pass over the group table runs under one lock.
type Buffer struct {
	mu     sync.Mutex
	groups map[groupKey]*group
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides the wall clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// New creates an empty Buffer.
func New(logger *zap.Logger, opts ...Option) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Buffer{
		groups: make(map[groupKey]*group),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reassemble consumes a batch of fragments and returns every message that
// became complete, plus any expired groups flushed during the pass.
// Malformed envelopes never cause an error; those fragments fall back to
// grouping by sender within the batch.
func (b *Buffer) Reassemble(batch []Fragment) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var loose []Fragment
	for _, f := range batch {
		info, ok := parseConcat(f.Envelope)
		if !ok {
			loose = append(loose, f)
			continue
		}
		key := groupKey{address: f.Address, ref: info.ref, total: info.total}
		g, exists := b.groups[key]
		if !exists {
			g = &group{parts: make(map[int]part, info.total), firstSeen: now, firstDeclared: f.Timestamp}
			b.groups[key] = g
		}
		if _, dup := g.parts[info.seq]; dup {
			b.logger.Debug("duplicate fragment dropped",
				zap.String("address", f.Address), zap.Uint16("ref", info.ref), zap.Int("seq", info.seq))
			continue
		}
		g.parts[info.seq] = part{payload: f.Payload, timestamp: f.Timestamp}
	}

	out := b.flushLocked(now)
	out = append(out, groupBySender(loose)...)
	slices.SortStableFunc(out, func(x, y Message) int { return x.Timestamp.Compare(y.Timestamp) })
	return out
}

// Sweep flushes groups that are complete or older than ExpiryWindow without
// requiring new traffic.
func (b *Buffer) Sweep() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(b.now())
}

// Pending returns the number of incomplete groups held.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// flushLocked retires complete and expired groups. Each group is deleted in
// the same step that emits it, so it is emitted at most once.
func (b *Buffer) flushLocked(now time.Time) []Message {
	var out []Message
	for key, g := range b.groups {
		complete := len(g.parts) == key.total
		expired := now.Sub(g.firstSeen) > ExpiryWindow
		if !complete && !expired {
			continue
		}
		msg := g.assemble(key.address)
		if !complete {
			msg.Expired = true
			b.logger.Warn("fragment group expired incomplete",
				zap.String("address", key.address), zap.Uint16("ref", key.ref),
				zap.Int("received", len(g.parts)), zap.Int("total", key.total))
		}
		delete(b.groups, key)
		out = append(out, msg)
	}
	slices.SortStableFunc(out, func(x, y Message) int {
		return cmp.Or(x.Timestamp.Compare(y.Timestamp), strings.Compare(x.Address, y.Address))
	})
	return out
}

// assemble concatenates parts by ascending sequence number. The message
// timestamp is the declared timestamp of part 1, or of the first fragment
// observed when part 1 never arrived.
func (g *group) assemble(address string) Message {
	seqs := make([]int, 0, len(g.parts))
	for seq := range g.parts {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)

	var body strings.Builder
	for _, seq := range seqs {
		body.WriteString(g.parts[seq].payload)
	}
	ts := g.firstDeclared
	if first, ok := g.parts[1]; ok {
		ts = first.timestamp
	}
	return Message{
		Address:   address,
		Body:      body.String(),
		Timestamp: ts,
		MultiPart: len(seqs) > 1,
		Parts:     len(seqs),
	}
}

// groupBySender joins fragments without concatenation metadata by address,
// in arrival order. Back-to-back short messages from one sender in the same
// batch are merged too; callers that care must supply envelopes.
func groupBySender(frags []Fragment) []Message {
	var (
		order  []string
		byAddr = make(map[string][]Fragment)
	)
	for _, f := range frags {
		if _, seen := byAddr[f.Address]; !seen {
			order = append(order, f.Address)
		}
		byAddr[f.Address] = append(byAddr[f.Address], f)
	}

	out := make([]Message, 0, len(order))
	for _, addr := range order {
		fs := byAddr[addr]
		var body strings.Builder
		for _, f := range fs {
			body.WriteString(f.Payload)
		}
		out = append(out, Message{
			Address:   addr,
			Body:      body.String(),
			Timestamp: fs[0].Timestamp,
			MultiPart: len(fs) > 1,
			Parts:     len(fs),
		})
	}
	return out
}
