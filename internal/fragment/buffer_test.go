package fragment

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBuffer() (*Buffer, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(nil, WithClock(clock.Now)), clock
}

func TestParseConcat(t *testing.T) {
	tests := []struct {
		name string
		env  []byte
		want concatInfo
		ok   bool
	}{
		{"8-bit", Concat8(5, 2, 1), concatInfo{ref: 5, total: 2, seq: 1}, true},
		{"16-bit", Concat16(0x1234, 3, 3), concatInfo{ref: 0x1234, total: 3, seq: 3}, true},
		{"after other element", []byte{8, 0x24, 1, 0x01, 0x00, 3, 9, 2, 2}, concatInfo{ref: 9, total: 2, seq: 2}, true},
		{"with trailing user data", append(Concat8(7, 2, 2), 'h', 'i'), concatInfo{ref: 7, total: 2, seq: 2}, true},
		{"bare 8-bit element", []byte{0x00, 0x03, 5, 2, 2}, concatInfo{ref: 5, total: 2, seq: 2}, true},
		{"bare 16-bit element", []byte{0x08, 0x04, 0x12, 0x34, 3, 1}, concatInfo{ref: 0x1234, total: 3, seq: 1}, true},
		{"bare element with user data", []byte{0x00, 0x03, 5, 2, 1, 'h', 'i'}, concatInfo{ref: 5, total: 2, seq: 1}, true},
		{"bare single part", []byte{0x00, 0x03, 5, 1, 1}, concatInfo{}, false},
		{"bare truncated", []byte{0x00, 0x03, 5, 2}, concatInfo{}, false},
		{"nil", nil, concatInfo{}, false},
		{"single part", Concat8(5, 1, 1), concatInfo{}, false},
		{"seq zero", Concat8(5, 2, 0), concatInfo{}, false},
		{"seq beyond total", Concat8(5, 2, 3), concatInfo{}, false},
		{"truncated header", []byte{5, 0x00, 3, 5}, concatInfo{}, false},
		{"element overruns header", []byte{3, 0x00, 3, 5}, concatInfo{}, false},
		{"wrong element length", []byte{4, 0x00, 2, 5, 2}, concatInfo{}, false},
		{"unrelated element only", []byte{3, 0x24, 1, 0x01}, concatInfo{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseConcat(tt.env)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	buf, _ := newTestBuffer()
	ts1 := time.Unix(100, 0)
	ts2 := time.Unix(101, 0)

	out := buf.Reassemble([]Fragment{
		{Address: "+1555", Payload: "World", Timestamp: ts2, Envelope: Concat8(5, 2, 2)},
		{Address: "+1555", Payload: "Hello ", Timestamp: ts1, Envelope: Concat8(5, 2, 1)},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "Hello World", out[0].Body)
	assert.True(t, out[0].MultiPart)
	assert.Equal(t, ts1, out[0].Timestamp)
	assert.Equal(t, 2, out[0].Parts)
	assert.Zero(t, buf.Pending())

	out = buf.Reassemble([]Fragment{
		{Address: "A", Payload: "World", Timestamp: ts2, Envelope: []byte{0x00, 0x03, 5, 2, 2}},
		{Address: "A", Payload: "Hello ", Timestamp: ts1, Envelope: []byte{0x00, 0x03, 5, 2, 1}},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "Hello World", out[0].Body)
	assert.True(t, out[0].MultiPart)
	assert.Equal(t, ts1, out[0].Timestamp)
}

func TestReassembleAnyArrivalOrder(t *testing.T) {
	parts := []string{"a", "b", "c", "d", "e"}
	for i := range 20 {
		buf, _ := newTestBuffer()
		order := rand.Perm(len(parts))

		var got []Message
		for _, idx := range order {
			got = append(got, buf.Reassemble([]Fragment{{
				Address:  "+1555",
				Payload:  parts[idx],
				Envelope: Concat16(0xBEEF, uint8(len(parts)), uint8(idx+1)),
			}})...)
		}
		require.Len(t, got, 1, "iteration %d order %v", i, order)
		assert.Equal(t, "abcde", got[0].Body)
	}
}

func TestReassembleAcrossBatches(t *testing.T) {
	buf, _ := newTestBuffer()

	out := buf.Reassemble([]Fragment{{Address: "+1", Payload: "one ", Envelope: Concat8(1, 3, 1)}})
	assert.Empty(t, out)
	out = buf.Reassemble([]Fragment{{Address: "+1", Payload: "three", Envelope: Concat8(1, 3, 3)}})
	assert.Empty(t, out)
	assert.Equal(t, 1, buf.Pending())

	out = buf.Reassemble([]Fragment{{Address: "+1", Payload: "two ", Envelope: Concat8(1, 3, 2)}})
	require.Len(t, out, 1)
	assert.Equal(t, "one two three", out[0].Body)
}

func TestReassembleKeysByAddressRefAndTotal(t *testing.T) {
	buf, _ := newTestBuffer()

	out := buf.Reassemble([]Fragment{
		{Address: "+1", Payload: "A1", Envelope: Concat8(9, 2, 1)},
		{Address: "+2", Payload: "B2", Envelope: Concat8(9, 2, 2)},
		{Address: "+1", Payload: "C1", Envelope: Concat8(9, 3, 1)},
	})
	assert.Empty(t, out)
	assert.Equal(t, 3, buf.Pending())
}

func TestReassembleDuplicateSequenceKeepsFirst(t *testing.T) {
	buf, _ := newTestBuffer()

	out := buf.Reassemble([]Fragment{
		{Address: "+1", Payload: "first", Envelope: Concat8(2, 2, 1)},
		{Address: "+1", Payload: "again", Envelope: Concat8(2, 2, 1)},
	})
	assert.Empty(t, out)

	out = buf.Reassemble([]Fragment{{Address: "+1", Payload: "-end", Envelope: Concat8(2, 2, 2)}})
	require.Len(t, out, 1)
	assert.Equal(t, "first-end", out[0].Body)
}

func TestReassembleSameSenderFallback(t *testing.T) {
	buf, _ := newTestBuffer()
	ts := time.Unix(200, 0)

	out := buf.Reassemble([]Fragment{
		{Address: "+1", Payload: "part one, ", Timestamp: ts},
		{Address: "+1", Payload: "part two, ", Timestamp: ts.Add(time.Second), Envelope: []byte{0xFF}},
		{Address: "+1", Payload: "part three", Timestamp: ts.Add(2 * time.Second)},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "part one, part two, part three", out[0].Body)
	assert.True(t, out[0].MultiPart)
	assert.Equal(t, 3, out[0].Parts)
	assert.Equal(t, ts, out[0].Timestamp)
}

func TestReassembleSingleMessages(t *testing.T) {
	buf, _ := newTestBuffer()

	out := buf.Reassemble([]Fragment{
		{Address: "+1", Payload: "hi", Timestamp: time.Unix(1, 0)},
		{Address: "+2", Payload: "yo", Timestamp: time.Unix(2, 0), Envelope: Concat8(4, 1, 1)},
	})

	require.Len(t, out, 2)
	assert.Equal(t, Message{Address: "+1", Body: "hi", Timestamp: time.Unix(1, 0), Parts: 1}, out[0])
	assert.Equal(t, Message{Address: "+2", Body: "yo", Timestamp: time.Unix(2, 0), Parts: 1}, out[1])
}

func TestExpiryFlushesExactlyOnce(t *testing.T) {
	buf, clock := newTestBuffer()

	out := buf.Reassemble([]Fragment{
		{Address: "+1", Payload: "head ", Envelope: Concat8(3, 3, 1)},
		{Address: "+1", Payload: "body", Envelope: Concat8(3, 3, 2)},
	})
	assert.Empty(t, out)

	clock.Advance(ExpiryWindow)
	assert.Empty(t, buf.Sweep(), "group at exactly the window must not flush")

	clock.Advance(time.Second)
	out = buf.Sweep()
	require.Len(t, out, 1)
	assert.Equal(t, "head body", out[0].Body)
	assert.True(t, out[0].MultiPart)
	assert.True(t, out[0].Expired)
	assert.Zero(t, buf.Pending())

	assert.Empty(t, buf.Sweep())
	assert.Empty(t, buf.Reassemble(nil))
}

func TestExpiredGroupKeepsFirstDeclaredTimestamp(t *testing.T) {
	buf, clock := newTestBuffer()

	buf.Reassemble([]Fragment{{Address: "+1", Payload: "c", Timestamp: time.Unix(300, 0), Envelope: Concat8(4, 3, 3)}})
	buf.Reassemble([]Fragment{{Address: "+1", Payload: "b", Timestamp: time.Unix(200, 0), Envelope: Concat8(4, 3, 2)}})
	clock.Advance(ExpiryWindow + time.Second)

	out := buf.Sweep()
	require.Len(t, out, 1)
	assert.Equal(t, "bc", out[0].Body)
	assert.Equal(t, time.Unix(300, 0), out[0].Timestamp)
	assert.True(t, out[0].Expired)
}

func TestExpiredSinglePartIsNotMultiPart(t *testing.T) {
	buf, clock := newTestBuffer()

	buf.Reassemble([]Fragment{{Address: "+1", Payload: "lonely", Envelope: Concat8(3, 2, 2)}})
	clock.Advance(ExpiryWindow + time.Millisecond)

	out := buf.Reassemble([]Fragment{{Address: "+2", Payload: "other"}})
	require.Len(t, out, 2)
	var expired Message
	for _, m := range out {
		if m.Expired {
			expired = m
		}
	}
	assert.Equal(t, "lonely", expired.Body)
	assert.False(t, expired.MultiPart)
}

func TestReassembleConcurrentProducers(t *testing.T) {
	buf, _ := newTestBuffer()
	const groups = 200

	var (
		mu  sync.Mutex
		out []Message
		wg  sync.WaitGroup
	)
	for seq := 1; seq <= 2; seq++ {
		for g := range groups {
			wg.Add(1)
			go func() {
				defer wg.Done()
				msgs := buf.Reassemble([]Fragment{{
					Address:  fmt.Sprintf("+%d", g),
					Payload:  fmt.Sprint(seq),
					Envelope: Concat16(uint16(g), 2, uint8(seq)),
				}})
				mu.Lock()
				out = append(out, msgs...)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	require.Len(t, out, groups)
	for _, m := range out {
		assert.Equal(t, "12", m.Body)
	}
	assert.Zero(t, buf.Pending())
}
