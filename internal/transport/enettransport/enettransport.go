// Package enettransport implements transport on top of ENet.
//
// ENet hosts are not safe for concurrent use, so nothing runs in the
// background: the host is serviced from Poll, which is expected to be called
// every simulation tick.
package enettransport

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/cespare/xxhash/v2"
	"github.com/codecat/go-enet"
	"github.com/phuslu/log"
)

const (
	DefaultPeerCount    = 64
	DefaultChannelLimit = 16
	DefaultTimeout      = 10 * time.Second

	// hailChannel carries the hail, which is the first reliable message a
	// client sends after the enet handshake.
	hailChannel = 0
)

// enet can only pass a uint32 with a disconnect.
const (
	codeNone uint32 = iota
	codeIncompatible
	codeTimedOut
	codeServerFull
	codeShutdown
	codeReplaced
)

var reasonCodes = map[string]uint32{
	transport.ReasonIncompatible: codeIncompatible,
	transport.ReasonTimedOut:     codeTimedOut,
	transport.ReasonServerFull:   codeServerFull,
	transport.ReasonShutdown:     codeShutdown,
	transport.ReasonReplaced:     codeReplaced,
}

func reasonCode(reason string) uint32 {
	return reasonCodes[reason]
}

func codeReason(code uint32) string {
	for reason, c := range reasonCodes {
		if c == code {
			return reason
		}
	}
	return transport.ReasonTimedOut
}

var initOnce sync.Once

func initialize() {
	initOnce.Do(func() { enet.Initialize() })
}

// Options.Timeout bounds the handshake: the enet connect plus the hail.
// Established peers are timed out by enet itself.
type Options struct {
	transport.Options

	PeerCount    uint64
	ChannelLimit uint64
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PeerCount == 0 {
		o.PeerCount = DefaultPeerCount
	}
	if o.ChannelLimit == 0 {
		o.ChannelLimit = DefaultChannelLimit
	}
	return o
}

// versionToken folds app id and version into enet's connect data.
func versionToken(opts transport.Options) uint32 {
	return uint32(xxhash.Sum64String(opts.AppID + "/" + opts.Version))
}

func packetFlags(method transport.DeliveryMethod) enet.PacketFlags {
	switch method {
	case transport.Unreliable:
		return enet.PacketFlagUnsequenced
	case transport.ReliableUnordered, transport.ReliableOrdered:
		// enet's reliable delivery is always ordered
		return enet.PacketFlagReliable
	default:
		return 0
	}
}

func parseAddress(address string, listen bool) (enet.Address, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("could not split host port: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if listen && (host == "" || host == "0.0.0.0") {
		return enet.NewListenAddress(uint16(port)), nil
	}
	return enet.NewAddress(host, uint16(port)), nil
}

func handshakeExpired(since, now time.Time, timeout time.Duration) bool {
	return now.Sub(since) >= timeout
}

func makeConnID(peer enet.Peer) transport.ConnID {
	return transport.ConnID(xxhash.Sum64String(peer.GetAddress().String()))
}

// receive copies and releases an event's packet.
func receive(ev enet.Event) []byte {
	packet := ev.GetPacket()
	defer packet.Destroy()
	return append([]byte(nil), packet.GetData()...)
}

func silenced(logger *log.Logger) *log.Logger {
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return logger
}
