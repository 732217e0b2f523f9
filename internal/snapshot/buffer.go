// Package snapshot buffers world states as they arrive and samples them at
// a delayed playback time, so remote players move smoothly between discrete,
// jittered updates.
package snapshot

import (
	"time"

	"github.com/blukai/fragnet/internal/protocol"
)

// DefaultLimit bounds the buffer when playback stalls.
const DefaultLimit = 64

// Timed is a world state stamped with both clocks.
type Timed struct {
	// Arrival is the local clock reading when the state was received.
	Arrival    time.Duration
	ServerTime time.Duration
	Players    []*protocol.PlayerState
}

// Buffer keeps snapshots in strictly increasing server time.
//
// All methods must be called from the same goroutine; Sample does not
// mutate the buffer, Add and Prune do.
type Buffer struct {
	entries []Timed
	limit   int

	// offset estimates serverTime - localTime. Every arrival gives a sample
	// that is lower than the truth by that packet's latency, so the highest
	// sample seen is the best estimate.
	offset time.Duration
	synced bool
}

func NewBuffer(limit int) *Buffer {
	if limit < 2 {
		limit = DefaultLimit
	}
	return &Buffer{
		entries: make([]Timed, 0, limit),
		limit:   limit,
	}
}

func (b *Buffer) Len() int {
	return len(b.entries)
}

// Add appends s and reports whether it was kept. A snapshot whose server
// time is not after the newest one already buffered is a duplicate or
// arrived out of order, and is dropped.
func (b *Buffer) Add(s Timed) bool {
	if n := len(b.entries); n > 0 && s.ServerTime <= b.entries[n-1].ServerTime {
		return false
	}

	if sample := s.ServerTime - s.Arrival; !b.synced || sample > b.offset {
		b.offset = sample
		b.synced = true
	}

	if len(b.entries) == b.limit {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, s)

	return true
}

// RenderTime maps a local clock reading to the server time that should be
// on screen now.
func (b *Buffer) RenderTime(localNow, delay time.Duration) (time.Duration, bool) {
	if !b.synced {
		return 0, false
	}
	return localNow + b.offset - delay, true
}

// Prune discards snapshots that playback has moved past. The newest
// snapshot at or before renderTime stays, it is the "from" side of the next
// interpolation.
func (b *Buffer) Prune(renderTime time.Duration) {
	i := 0
	for i+1 < len(b.entries) && b.entries[i+1].ServerTime <= renderTime {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(b.entries, b.entries[i:])
	clear(b.entries[n:])
	b.entries = b.entries[:n]
}

func (b *Buffer) Reset() {
	clear(b.entries)
	b.entries = b.entries[:0]
	b.offset = 0
	b.synced = false
}

// Frame is the world as it should be displayed at some render time.
type Frame struct {
	// Players is indexed by player id; nil slots have no pose.
	Players []*protocol.PlayerState
	Ratio   float32
	// Interpolated is false when the frame holds a single snapshot.
	Interpolated bool
}

// Sample returns the frame for renderTime. Without a snapshot at or before
// renderTime there is nothing to show and ok is false; past the newest
// snapshot the newest poses are held, never extrapolated.
func (b *Buffer) Sample(renderTime time.Duration) (frame Frame, ok bool) {
	from := -1
	for i := range b.entries {
		if b.entries[i].ServerTime > renderTime {
			break
		}
		from = i
	}
	if from < 0 {
		return Frame{}, false
	}

	if from == len(b.entries)-1 {
		return Frame{Players: hold(b.entries[from].Players), Ratio: 1}, true
	}

	a, z := &b.entries[from], &b.entries[from+1]
	ratio := float32(renderTime-a.ServerTime) / float32(z.ServerTime-a.ServerTime)
	ratio = min(max(ratio, 0), 1)

	n := max(len(a.Players), len(z.Players))
	players := make([]*protocol.PlayerState, n)
	for i := range players {
		pa, pz := slot(a.Players, i), slot(z.Players, i)
		switch {
		case pa != nil && pz != nil:
			state := Interpolate(pa, pz, ratio)
			players[i] = &state
		case pa != nil:
			state := *pa
			players[i] = &state
		case pz != nil:
			state := *pz
			players[i] = &state
		}
	}

	return Frame{Players: players, Ratio: ratio, Interpolated: true}, true
}

func slot(players []*protocol.PlayerState, i int) *protocol.PlayerState {
	if i < len(players) {
		return players[i]
	}
	return nil
}

func hold(players []*protocol.PlayerState) []*protocol.PlayerState {
	out := make([]*protocol.PlayerState, len(players))
	for i, p := range players {
		if p != nil {
			state := *p
			out[i] = &state
		}
	}
	return out
}
