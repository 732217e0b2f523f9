// Package transport describes the connection-oriented, channelled datagram
// transport that peers exchange packets over. Implementations live in the
// sub-packages.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrUnknownConn    = errors.New("unknown connection")
	ErrIncompatible   = errors.New("incompatible version")
	ErrNotConnected   = errors.New("not connected")
	ErrTooLarge       = errors.New("message too large")
)

// Reasons shared by all implementations.
const (
	ReasonIncompatible = "incompatible version"
	ReasonTimedOut     = "timed out"
	ReasonServerFull   = "server full"
	ReasonShutdown     = "bye"
	ReasonReplaced     = "replaced by new session"
)

type DeliveryMethod uint8

const (
	// Unreliable messages may be dropped, duplicated or reordered.
	Unreliable DeliveryMethod = iota
	// UnreliableSequenced messages may be dropped, but a message older than
	// the newest one already delivered on the same channel is discarded.
	UnreliableSequenced
	// ReliableUnordered messages are delivered exactly once, in any order.
	ReliableUnordered
	// ReliableOrdered messages are delivered exactly once, in send order per
	// channel.
	ReliableOrdered

	deliveryMethodMax
)

func (m DeliveryMethod) Valid() bool {
	return m < deliveryMethodMax
}

func (m DeliveryMethod) Reliable() bool {
	return m == ReliableUnordered || m == ReliableOrdered
}

func (m DeliveryMethod) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable-sequenced"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	default:
		return fmt.Sprintf("DeliveryMethod(%d)", uint8(m))
	}
}

// ConnID identifies a remote connection on a server.
type ConnID uint64

type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

type EventKind uint8

const (
	_ EventKind = iota
	// EventConnect is raised on a server when a remote completed the
	// transport handshake. Hail carries what the remote sent with its
	// connect request.
	EventConnect
	// EventDisconnect is raised on a server when a remote is gone.
	EventDisconnect
	// EventData carries one application message.
	EventData
	// EventStatus is raised on a client whenever its status changes.
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventData:
		return "data"
	case EventStatus:
		return "status"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

type Event struct {
	Kind    EventKind
	Conn    ConnID
	Channel uint8
	Data    []byte
	Hail    []byte
	Status  Status
	Reason  string
}

// Options are common to every implementation.
type Options struct {
	// AppID and Version are exchanged at connect time; a remote with a
	// different pair is rejected before any application message flows.
	AppID   string
	Version string
	// Timeout after which a silent connection is considered lost.
	Timeout time.Duration
}

func (o Options) Compatible(appID, version string) bool {
	return o.AppID == appID && o.Version == version
}

// Server is the authoritative end. All methods except Close are expected to
// be called from a single goroutine (the simulation tick).
type Server interface {
	// Poll returns the next pending event without blocking.
	Poll() (Event, bool)
	Send(conn ConnID, data []byte, method DeliveryMethod, channel uint8) error
	Disconnect(conn ConnID, reason string) error
	Close() error
}

// Client is the remote end.
type Client interface {
	// Connect starts a connection attempt; progress is reported through
	// EventStatus events.
	Connect(address string, hail []byte) error
	Poll() (Event, bool)
	Send(data []byte, method DeliveryMethod, channel uint8) error
	Status() Status
	RoundTripTime() time.Duration
	Close() error
}
