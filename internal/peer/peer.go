// Package peer holds what both roles share: the lifecycle, the tick
// contract, the local player controller and the scheduler that drives them.
package peer

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/phuslu/log"
)

var (
	// ErrAlreadyStarted is returned by Start on anything but a fresh peer;
	// a stopped peer is not restarted in place.
	ErrAlreadyStarted = errors.New("peer already started")
	ErrNotRunning     = errors.New("peer not running")
)

// MaxMessagesPerTick bounds how much of the inbound queue one ReadMessages
// drains; a backlog is worked off over several ticks.
const MaxMessagesPerTick = 256

// Peer is either role. While running, the owner calls ReadMessages and then
// FixedUpdate once per simulation tick, and Update once per render step.
type Peer interface {
	Start() error
	Running() bool
	ReadMessages()
	FixedUpdate()
	Update()
	Shutdown() error
}

type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Lifecycle is embedded by both roles.
type Lifecycle struct {
	state State
}

// Begin moves an idle peer to running.
func (l *Lifecycle) Begin() error {
	if l.state != StateIdle {
		return fmt.Errorf("%w (%s)", ErrAlreadyStarted, l.state)
	}
	l.state = StateRunning
	return nil
}

// End moves the peer to its terminal state and reports whether it was
// running.
func (l *Lifecycle) End() bool {
	wasRunning := l.state == StateRunning
	l.state = StateStopped
	return wasRunning
}

func (l *Lifecycle) State() State {
	return l.state
}

func (l *Lifecycle) Running() bool {
	return l.state == StateRunning
}

// Clock reads a monotonic session clock.
type Clock interface {
	Now() time.Duration
}

type ClockFunc func() time.Duration

func (f ClockFunc) Now() time.Duration { return f() }

// NewClock returns a clock that starts at zero now.
func NewClock() Clock {
	start := time.Now()
	return ClockFunc(func() time.Duration {
		return time.Since(start)
	})
}

// Outbound is an encoded packet with its route.
type Outbound struct {
	Type  protocol.PacketType
	Data  []byte
	Route protocol.Route
}

// Encode prepares p for sending on its declared channel.
func Encode(p protocol.Packet) (Outbound, error) {
	route, ok := protocol.RouteOf(p.Type())
	if !ok {
		return Outbound{}, fmt.Errorf("%w: %s has no route", protocol.ErrUnknownPacket, p.Type())
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return Outbound{}, fmt.Errorf("could not encode %s: %w", p.Type(), err)
	}
	return Outbound{Type: p.Type(), Data: data, Route: route}, nil
}

// SendTo sends out to a single remote on a server.
func (o Outbound) SendTo(server transport.Server, conn transport.ConnID) error {
	return server.Send(conn, o.Data, o.Route.Method, o.Route.Channel)
}

// SendUp sends out from a client to its server.
func (o Outbound) SendUp(client transport.Client) error {
	return client.Send(o.Data, o.Route.Method, o.Route.Channel)
}

// Silenced returns logger, or the default logger writing nowhere when
// logger is nil.
func Silenced(logger *log.Logger) *log.Logger {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return logger
}
