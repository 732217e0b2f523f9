// Package registry is the player table both peer roles keep: authoritative
// on the host, a derived cache on a client.
package registry

import (
	"errors"
	"fmt"

	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrDuplicateID = errors.New("duplicate player id")
	// ErrUnknownPlayer describes references to ids that are not registered.
	// Lookups never return it; handlers use it when logging stale packets.
	ErrUnknownPlayer = errors.New("unknown player")
	ErrOutOfRange    = errors.New("player id out of range")
)

type Record struct {
	ID          uint8
	Local       bool
	Preferences protocol.PlayerPreferences
	Info        protocol.PlayerExtraInfo
	State       protocol.PlayerState
	// Actor is nil until the representation has been spawned.
	Actor game.Actor
	// Conn is the owning connection; only meaningful on the host.
	Conn transport.ConnID
}

// NewRecord returns a record at the origin with identity rotation.
func NewRecord(id uint8, prefs protocol.PlayerPreferences) *Record {
	prefs.PlayerID = id
	return &Record{
		ID:          id,
		Preferences: prefs,
		Info:        protocol.PlayerExtraInfo{PlayerID: id},
		State:       protocol.PlayerState{PlayerID: id, Rotation: mgl32.QuatIdent()},
	}
}

type Registry struct {
	records []*Record
	count   int
}

// New returns a registry for ids in [0, capacity).
func New(capacity int) *Registry {
	return &Registry{records: make([]*Record, capacity)}
}

func (r *Registry) Capacity() int {
	return len(r.records)
}

func (r *Registry) Len() int {
	return r.count
}

func (r *Registry) Insert(rec *Record) error {
	if int(rec.ID) >= len(r.records) {
		return fmt.Errorf("%w: %d (capacity %d)", ErrOutOfRange, rec.ID, len(r.records))
	}
	if r.records[rec.ID] != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateID, rec.ID)
	}
	r.records[rec.ID] = rec
	r.count++
	return nil
}

// Remove is a no-op for ids that are not registered.
func (r *Registry) Remove(id uint8) (*Record, bool) {
	if int(id) >= len(r.records) || r.records[id] == nil {
		return nil, false
	}
	rec := r.records[id]
	r.records[id] = nil
	r.count--
	return rec, true
}

func (r *Registry) Get(id uint8) (*Record, bool) {
	if int(id) >= len(r.records) || r.records[id] == nil {
		return nil, false
	}
	return r.records[id], true
}

// FreeID returns the lowest unused id.
func (r *Registry) FreeID() (uint8, bool) {
	for i, rec := range r.records {
		if rec == nil {
			return uint8(i), true
		}
	}
	return 0, false
}

// Each calls fn for every record in id order.
func (r *Registry) Each(fn func(rec *Record)) {
	for _, rec := range r.records {
		if rec != nil {
			fn(rec)
		}
	}
}

func (r *Registry) Preferences() []protocol.PlayerPreferences {
	prefs := make([]protocol.PlayerPreferences, 0, r.count)
	r.Each(func(rec *Record) { prefs = append(prefs, rec.Preferences) })
	return prefs
}

func (r *Registry) ExtraInfo() []protocol.PlayerExtraInfo {
	info := make([]protocol.PlayerExtraInfo, 0, r.count)
	r.Each(func(rec *Record) { info = append(info, rec.Info) })
	return info
}

// Snapshot returns the current pose of every record, indexed by id.
func (r *Registry) Snapshot() []*protocol.PlayerState {
	states := make([]*protocol.PlayerState, len(r.records))
	for i, rec := range r.records {
		if rec != nil {
			state := rec.State
			state.PlayerID = rec.ID
			states[i] = &state
		}
	}
	return states
}

// Clear removes every record and returns them in id order.
func (r *Registry) Clear() []*Record {
	removed := make([]*Record, 0, r.count)
	for i, rec := range r.records {
		if rec != nil {
			removed = append(removed, rec)
			r.records[i] = nil
		}
	}
	r.count = 0
	return removed
}
