package protocol

import (
	"encoding"
	"fmt"
	"image/color"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// Sub-records. They travel inside other packets (and, for preferences, in
// the transport connect hail) but are never top-level packets.
var (
	_ encoding.BinaryMarshaler   = (*PlayerPreferences)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerPreferences)(nil)
	_ encoding.BinaryMarshaler   = (*PlayerExtraInfo)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerExtraInfo)(nil)
)

// PlayerPreferences is chosen by the connecting player and fixed for the
// session.
type PlayerPreferences struct {
	PlayerID uint8
	Name     string
	Color    color.RGBA
}

func (p *PlayerPreferences) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerPreferences) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerPreferences) write(w *writer) {
	w.u8(p.PlayerID)
	w.str(p.Name)
	w.color(p.Color)
}

func (p *PlayerPreferences) read(r *reader) {
	p.PlayerID = r.u8()
	p.Name = r.str()
	p.Color = r.color()
}

// PlayerExtraInfo holds the kill/death counters the host keeps for a player.
type PlayerExtraInfo struct {
	PlayerID uint8
	Kills    int16
	Deaths   int16
}

func (p *PlayerExtraInfo) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerExtraInfo) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerExtraInfo) write(w *writer) {
	w.u8(p.PlayerID)
	w.i16(p.Kills)
	w.i16(p.Deaths)
}

func (p *PlayerExtraInfo) read(r *reader) {
	p.PlayerID = r.u8()
	p.Kills = r.i16()
	p.Deaths = r.i16()
}

// Connected is sent by the host to a player that just connected. It carries
// the assigned id, general server info and everyone already present.
type Connected struct {
	PlayerID    uint8
	MaxPlayers  uint8
	LevelName   string
	Players     []PlayerPreferences
	PlayersInfo []PlayerExtraInfo
}

func (*Connected) Type() PacketType { return TypeConnected }

func (p *Connected) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *Connected) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *Connected) write(w *writer) {
	w.u8(p.PlayerID)
	w.u8(p.MaxPlayers)
	w.str(p.LevelName)

	w.listLen(len(p.Players))
	for i := range p.Players {
		p.Players[i].write(w)
	}

	w.listLen(len(p.PlayersInfo))
	for i := range p.PlayersInfo {
		p.PlayersInfo[i].write(w)
	}
}

func (p *Connected) read(r *reader) {
	p.PlayerID = r.u8()
	p.MaxPlayers = r.u8()
	p.LevelName = r.str()

	p.Players = nil
	if n := r.u8(); n > 0 {
		p.Players = make([]PlayerPreferences, n)
	}
	for i := range p.Players {
		p.Players[i].read(r)
	}

	p.PlayersInfo = nil
	if n := r.u8(); n > 0 {
		p.PlayersInfo = make([]PlayerExtraInfo, n)
	}
	for i := range p.PlayersInfo {
		p.PlayersInfo[i].read(r)
	}
}

// PlayerConnected is broadcast by the host when a new player joined.
type PlayerConnected struct {
	PlayerID uint8
}

func (*PlayerConnected) Type() PacketType { return TypePlayerConnected }

func (p *PlayerConnected) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerConnected) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerConnected) write(w *writer) { w.u8(p.PlayerID) }

func (p *PlayerConnected) read(r *reader) { p.PlayerID = r.u8() }

// PlayerDisconnected is broadcast by the host when a player left.
type PlayerDisconnected struct {
	PlayerID uint8
}

func (*PlayerDisconnected) Type() PacketType { return TypePlayerDisconnected }

func (p *PlayerDisconnected) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerDisconnected) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerDisconnected) write(w *writer) { w.u8(p.PlayerID) }

func (p *PlayerDisconnected) read(r *reader) { p.PlayerID = r.u8() }

// PlayerState is a player's pose. Clients send their own every tick, the
// host sends everyone's inside WorldState.
type PlayerState struct {
	PlayerID uint8
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

func (*PlayerState) Type() PacketType { return TypePlayerState }

func (p *PlayerState) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerState) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerState) write(w *writer) {
	w.u8(p.PlayerID)
	w.vec3(p.Position)
	w.quat(p.Rotation)
}

func (p *PlayerState) read(r *reader) {
	p.PlayerID = r.u8()
	p.Position = r.vec3()
	p.Rotation = r.quat()
}

// PlayerKill is sent by a client to the host when it killed a player.
type PlayerKill struct {
	KillerID uint8
	TargetID uint8
}

func (*PlayerKill) Type() PacketType { return TypePlayerKill }

func (p *PlayerKill) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerKill) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerKill) write(w *writer) {
	w.u8(p.KillerID)
	w.u8(p.TargetID)
}

func (p *PlayerKill) read(r *reader) {
	p.KillerID = r.u8()
	p.TargetID = r.u8()
}

// PlayerDeath is broadcast by the host when a player died. The killer can be
// the player itself. Counters are the updated ones.
type PlayerDeath struct {
	PlayerID     uint8
	KillerID     uint8
	PlayerDeaths int16
	KillerKills  int16
}

func (*PlayerDeath) Type() PacketType { return TypePlayerDeath }

func (p *PlayerDeath) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerDeath) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerDeath) write(w *writer) {
	w.u8(p.PlayerID)
	w.u8(p.KillerID)
	w.i16(p.PlayerDeaths)
	w.i16(p.KillerKills)
}

func (p *PlayerDeath) read(r *reader) {
	p.PlayerID = r.u8()
	p.KillerID = r.u8()
	p.PlayerDeaths = r.i16()
	p.KillerKills = r.i16()
}

// PlayerShoot is sent by a client when it fires, then relayed by the host to
// everyone else for visuals and sound. It does not decide damage.
type PlayerShoot struct {
	PlayerID uint8
	From     mgl32.Vec3
	To       mgl32.Vec3
}

func (*PlayerShoot) Type() PacketType { return TypePlayerShoot }

func (p *PlayerShoot) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerShoot) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerShoot) write(w *writer) {
	w.u8(p.PlayerID)
	w.vec3(p.From)
	w.vec3(p.To)
}

func (p *PlayerShoot) read(r *reader) {
	p.PlayerID = r.u8()
	p.From = r.vec3()
	p.To = r.vec3()
}

// PlayerStats is broadcast by the host periodically so that clients which
// missed a PlayerDeath converge on the authoritative counters.
type PlayerStats struct {
	Players []PlayerExtraInfo
}

func (*PlayerStats) Type() PacketType { return TypePlayerStats }

func (p *PlayerStats) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *PlayerStats) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *PlayerStats) write(w *writer) {
	w.listLen(len(p.Players))
	for i := range p.Players {
		p.Players[i].write(w)
	}
}

func (p *PlayerStats) read(r *reader) {
	p.Players = nil
	if n := r.u8(); n > 0 {
		p.Players = make([]PlayerExtraInfo, n)
	}
	for i := range p.Players {
		p.Players[i].read(r)
	}
}

// WorldState is one host tick worth of poses. Players is indexed by player
// id; a nil slot means "no update this tick", not "player left".
type WorldState struct {
	ServerTime time.Duration
	Players    []*PlayerState
}

func (*WorldState) Type() PacketType { return TypeWorldState }

func (p *WorldState) MarshalBinary() ([]byte, error) { return marshal(p) }

func (p *WorldState) UnmarshalBinary(data []byte) error { return unmarshal(p, data) }

func (p *WorldState) write(w *writer) {
	w.duration(p.ServerTime)
	w.listLen(len(p.Players))
	for i, state := range p.Players {
		if state == nil {
			w.bool(false)
			continue
		}
		if int(state.PlayerID) != i {
			w.fail(fmt.Errorf("%w: slot %d holds player %d", ErrMalformed, i, state.PlayerID))
			return
		}
		w.bool(true)
		state.write(w)
	}
}

func (p *WorldState) read(r *reader) {
	p.ServerTime = r.duration()

	p.Players = nil
	if n := r.u8(); n > 0 {
		p.Players = make([]*PlayerState, n)
	}
	for i := range p.Players {
		if !r.bool() {
			continue
		}
		state := &PlayerState{}
		state.read(r)
		if r.err == nil && int(state.PlayerID) != i {
			r.fail(fmt.Errorf("%w: slot %d holds player %d", ErrMalformed, i, state.PlayerID))
			return
		}
		p.Players[i] = state
	}
}
