package enettransport

import (
	"fmt"
	"time"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/codecat/go-enet"
	"github.com/phuslu/log"
)

type remote struct {
	peer   enet.Peer
	since  time.Time
	hailed bool
}

type Server struct {
	host   enet.Host
	opts   Options
	token  uint32
	logger *log.Logger

	remotes map[transport.ConnID]*remote
	closed  bool
}

var _ transport.Server = (*Server)(nil)

func NewServer(address string, opts Options, logger *log.Logger) (*Server, error) {
	initialize()
	opts = opts.withDefaults()

	addr, err := parseAddress(address, true)
	if err != nil {
		return nil, err
	}

	host, err := enet.NewHost(addr, opts.PeerCount, opts.ChannelLimit, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("could not create enet host: %w", err)
	}

	s := &Server{
		host:    host,
		opts:    opts,
		token:   versionToken(opts.Options),
		logger:  silenced(logger),
		remotes: make(map[transport.ConnID]*remote),
	}

	return s, nil
}

// Poll services the enet host until it yields an event worth reporting.
func (s *Server) Poll() (transport.Event, bool) {
	if s.closed {
		return transport.Event{}, false
	}

	s.expireHandshakes(time.Now())

	for {
		ev := s.host.Service(0)
		switch ev.GetType() {
		case enet.EventNone:
			return transport.Event{}, false

		case enet.EventConnect:
			peer := ev.GetPeer()
			if ev.GetData() != s.token {
				s.logger.Info().
					Str("addr", peer.GetAddress().String()).
					Msg("rejecting incompatible remote")
				peer.DisconnectLater(codeIncompatible)
				continue
			}
			// reported once the hail arrives
			id := makeConnID(peer)
			old, ok := s.remotes[id]
			s.remotes[id] = &remote{peer: peer, since: time.Now()}
			if !ok {
				continue
			}
			// same address, new peer: the old one is gone
			old.peer.DisconnectNow(codeReplaced)
			if old.hailed {
				return transport.Event{
					Kind:   transport.EventDisconnect,
					Conn:   id,
					Reason: transport.ReasonReplaced,
				}, true
			}

		case enet.EventDisconnect:
			id := makeConnID(ev.GetPeer())
			r, ok := s.remotes[id]
			if !ok || r.peer != ev.GetPeer() {
				continue
			}
			delete(s.remotes, id)
			if !r.hailed {
				continue
			}
			return transport.Event{
				Kind:   transport.EventDisconnect,
				Conn:   id,
				Reason: codeReason(ev.GetData()),
			}, true

		case enet.EventReceive:
			id := makeConnID(ev.GetPeer())
			data := receive(ev)
			r, ok := s.remotes[id]
			if !ok || r.peer != ev.GetPeer() {
				continue
			}
			if !r.hailed {
				r.hailed = true
				return transport.Event{Kind: transport.EventConnect, Conn: id, Hail: data}, true
			}
			return transport.Event{
				Kind:    transport.EventData,
				Conn:    id,
				Channel: ev.GetChannelID(),
				Data:    data,
			}, true
		}
	}
}

// expireHandshakes drops peers that never sent their hail. They were never
// reported, so nobody is told.
func (s *Server) expireHandshakes(now time.Time) {
	for id, r := range s.remotes {
		if r.hailed || !handshakeExpired(r.since, now, s.opts.Timeout) {
			continue
		}
		s.logger.Debug().
			Str("addr", r.peer.GetAddress().String()).
			Msg("hail never arrived")
		r.peer.DisconnectNow(codeTimedOut)
		delete(s.remotes, id)
	}
}

func (s *Server) Send(conn transport.ConnID, data []byte, method transport.DeliveryMethod, channel uint8) error {
	r, ok := s.remotes[conn]
	if !ok || !r.hailed {
		return fmt.Errorf("%w: %d", transport.ErrUnknownConn, conn)
	}
	return r.peer.SendBytes(data, channel, packetFlags(method))
}

func (s *Server) Disconnect(conn transport.ConnID, reason string) error {
	r, ok := s.remotes[conn]
	if !ok {
		return fmt.Errorf("%w: %d", transport.ErrUnknownConn, conn)
	}
	delete(s.remotes, conn)
	r.peer.DisconnectLater(reasonCode(reason))
	return nil
}

func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for id, r := range s.remotes {
		r.peer.DisconnectNow(codeShutdown)
		delete(s.remotes, id)
	}
	s.host.Destroy()
	return nil
}
