package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/fragnet/internal/transport"
)

var (
	// ErrMalformed is returned for payloads that are truncated, carry
	// trailing bytes or contradict themselves.
	ErrMalformed = errors.New("malformed packet")
	// ErrUnknownPacket is returned for tags that are not top-level packets.
	ErrUnknownPacket = errors.New("unknown packet")
	// ErrListTooLong is returned when a list does not fit its single-byte
	// length prefix.
	ErrListTooLong = errors.New("list too long")
)

// MaxListLen is the most entries a length-prefixed list can carry.
const MaxListLen = 255

type PacketType uint8

const (
	TypeConnected          PacketType = 0
	TypePlayerPreferences  PacketType = 5
	TypePlayerExtraInfo    PacketType = 6
	TypePlayerConnected    PacketType = 10
	TypePlayerDisconnected PacketType = 11
	TypePlayerState        PacketType = 12
	TypePlayerKill         PacketType = 13
	TypePlayerDeath        PacketType = 14
	TypePlayerShoot        PacketType = 15
	TypePlayerStats        PacketType = 16
	TypeWorldState         PacketType = 20
)

func (t PacketType) String() string {
	switch t {
	case TypeConnected:
		return "Connected"
	case TypePlayerPreferences:
		return "PlayerPreferences"
	case TypePlayerExtraInfo:
		return "PlayerExtraInfo"
	case TypePlayerConnected:
		return "PlayerConnected"
	case TypePlayerDisconnected:
		return "PlayerDisconnected"
	case TypePlayerState:
		return "PlayerState"
	case TypePlayerKill:
		return "PlayerKill"
	case TypePlayerDeath:
		return "PlayerDeath"
	case TypePlayerShoot:
		return "PlayerShoot"
	case TypePlayerStats:
		return "PlayerStats"
	case TypeWorldState:
		return "WorldState"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Sequence channels. Control events and continuous state never share a
// channel, so a burst of one never holds back the other.
const (
	ChannelControl uint8 = 0
	ChannelState   uint8 = 1
	ChannelStats   uint8 = 10
)

// Route is how a packet kind travels.
type Route struct {
	Channel uint8
	Method  transport.DeliveryMethod
}

var routes = map[PacketType]Route{
	TypeConnected:          {ChannelControl, transport.ReliableOrdered},
	TypePlayerConnected:    {ChannelControl, transport.ReliableOrdered},
	TypePlayerDisconnected: {ChannelControl, transport.ReliableOrdered},
	TypePlayerState:        {ChannelState, transport.UnreliableSequenced},
	TypePlayerKill:         {ChannelControl, transport.ReliableUnordered},
	TypePlayerDeath:        {ChannelControl, transport.ReliableUnordered},
	TypePlayerShoot:        {ChannelControl, transport.ReliableUnordered},
	TypePlayerStats:        {ChannelStats, transport.ReliableUnordered},
	TypeWorldState:         {ChannelState, transport.UnreliableSequenced},
}

// RouteOf returns the route of a top-level packet kind.
func RouteOf(t PacketType) (Route, bool) {
	r, ok := routes[t]
	return r, ok
}

// Packet is one of the top-level packets of this package. The set is
// closed: Decode returns exactly these types.
type Packet interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	Type() PacketType

	write(w *writer)
	read(r *reader)
}

var (
	_ Packet = (*Connected)(nil)
	_ Packet = (*PlayerConnected)(nil)
	_ Packet = (*PlayerDisconnected)(nil)
	_ Packet = (*PlayerState)(nil)
	_ Packet = (*PlayerKill)(nil)
	_ Packet = (*PlayerDeath)(nil)
	_ Packet = (*PlayerShoot)(nil)
	_ Packet = (*PlayerStats)(nil)
	_ Packet = (*WorldState)(nil)
)

func newPacket(t PacketType) Packet {
	switch t {
	case TypeConnected:
		return &Connected{}
	case TypePlayerConnected:
		return &PlayerConnected{}
	case TypePlayerDisconnected:
		return &PlayerDisconnected{}
	case TypePlayerState:
		return &PlayerState{}
	case TypePlayerKill:
		return &PlayerKill{}
	case TypePlayerDeath:
		return &PlayerDeath{}
	case TypePlayerShoot:
		return &PlayerShoot{}
	case TypePlayerStats:
		return &PlayerStats{}
	case TypeWorldState:
		return &WorldState{}
	default:
		return nil
	}
}

// Encode writes the tag byte followed by the packet payload.
func Encode(p Packet) ([]byte, error) {
	w := &writer{}
	w.u8(uint8(p.Type()))
	p.write(w)
	if w.err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", p.Type(), w.err)
	}
	return w.buf.Bytes(), nil
}

// Decode reads a packet written by Encode.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}

	t := PacketType(data[0])
	p := newPacket(t)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacket, t)
	}

	if err := unmarshal(p, data[1:]); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", t, err)
	}
	return p, nil
}

func marshal(p interface{ write(w *writer) }) ([]byte, error) {
	w := &writer{}
	p.write(w)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func unmarshal(p interface{ read(r *reader) }, data []byte) error {
	r := &reader{data: data}
	p.read(r)
	return r.done()
}
