package udptransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

const limiterIdle = time.Minute

type limiter struct {
	*rate.Limiter
	lastSeen time.Time
}

type Server struct {
	*endpoint

	mu       sync.Mutex
	links    map[transport.ConnID]*link
	limiters map[transport.ConnID]*limiter
}

var _ transport.Server = (*Server)(nil)

func NewServer(network, address string, opts Options, logger *log.Logger) (*Server, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	s := &Server{
		endpoint: newEndpoint(conn, opts, logger),
		links:    make(map[transport.ConnID]*link),
		limiters: make(map[transport.ConnID]*limiter),
	}

	return s, nil
}

// Addr can be useful to retreive server's address when Server was
// constructed with ":0".
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Run(ctx context.Context) error {
	return s.run(ctx, s.handleFrame, s.maintain)
}

func (s *Server) Send(conn transport.ConnID, data []byte, method transport.DeliveryMethod, channel uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[conn]
	if !ok {
		return fmt.Errorf("%w: %d", transport.ErrUnknownConn, conn)
	}
	if len(data)+HeaderSize > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, len(data))
	}
	return s.sendBytes(l.outgoing(method, channel, data, time.Now()), l.addr)
}

func (s *Server) Disconnect(conn transport.ConnID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[conn]
	if !ok {
		return fmt.Errorf("%w: %d", transport.ErrUnknownConn, conn)
	}
	delete(s.links, conn)
	return s.sendFrame(header{Kind: kindDisconnect}, []byte(reason), l.addr)
}

// Close says goodbye to every remote and closes the socket. Run returns
// once its context is cancelled.
func (s *Server) Close() error {
	s.mu.Lock()
	var errs error
	for id, l := range s.links {
		if err := s.sendFrame(header{Kind: kindDisconnect}, []byte(transport.ReasonShutdown), l.addr); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(s.links, id)
	}
	s.mu.Unlock()

	if err := s.closeConn(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (s *Server) allowConnect(id transport.ConnID, now time.Time) bool {
	lim, ok := s.limiters[id]
	if !ok {
		lim = &limiter{Limiter: rate.NewLimiter(s.opts.ConnectRate, s.opts.ConnectBurst)}
		s.limiters[id] = lim
	}
	lim.lastSeen = now
	return lim.AllowN(now, 1)
}

func (s *Server) handleFrame(data []byte, addr *net.UDPAddr, now time.Time) {
	h, payload, err := parseFrame(data)
	if err != nil {
		s.logger.Error().
			Str("addr", addr.String()).
			Msgf("could not parse frame: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := makeConnID(addr)
	if h.Kind == kindConnect {
		s.handleConnect(id, payload, addr, now)
		return
	}

	l, ok := s.links[id]
	if !ok {
		s.logger.Debug().
			Str("addr", addr.String()).
			Uint8("kind", uint8(h.Kind)).
			Msg("frame from unknown remote")
		return
	}
	l.lastSeen = now

	switch h.Kind {
	case kindData:
		if l.incoming(h, payload, s.deliverTo(id, h.Channel)) {
			s.ack(h, addr)
		}
	case kindAck:
		l.acked(h, now)
	case kindPing:
		s.sendPong(payload, addr)
	case kindPong:
		s.handlePong(l, payload, now)
	case kindDisconnect:
		delete(s.links, id)
		s.push(transport.Event{Kind: transport.EventDisconnect, Conn: id, Reason: string(payload)})
	default:
		s.logger.Debug().
			Str("addr", addr.String()).
			Uint8("kind", uint8(h.Kind)).
			Msg("unexpected frame")
	}
}

func (s *Server) handleConnect(id transport.ConnID, payload []byte, addr *net.UDPAddr, now time.Time) {
	if !s.allowConnect(id, now) {
		s.logger.Warn().
			Str("addr", addr.String()).
			Msg("connect rate exceeded")
		return
	}

	req := connectRequest{}
	if err := req.UnmarshalBinary(payload); err != nil {
		s.logger.Error().
			Str("addr", addr.String()).
			Msgf("could not unmarshal connect request: %v", err)
		return
	}

	if !s.opts.Compatible(req.AppID, req.Version) {
		s.logger.Info().
			Str("addr", addr.String()).
			Str("app", req.AppID).
			Str("version", req.Version).
			Msg("rejecting incompatible remote")
		if err := s.sendFrame(header{Kind: kindReject}, []byte(transport.ReasonIncompatible), addr); err != nil {
			s.logger.Error().Msgf("could not reject: %v", err)
		}
		return
	}

	if l, ok := s.links[id]; ok {
		if l.session == req.Session {
			// our accept got lost
			s.accept(l)
			return
		}
		// same address, new session: the old one is gone
		delete(s.links, id)
		s.push(transport.Event{Kind: transport.EventDisconnect, Conn: id, Reason: transport.ReasonReplaced})
	}

	l := newLink(addr, req.Session, now)
	s.push(transport.Event{Kind: transport.EventConnect, Conn: id, Hail: req.Hail})
	s.links[id] = l
	s.accept(l)

	s.logger.Debug().
		Str("addr", addr.String()).
		Str("session", req.Session.String()).
		Msg("accepted")
}

func (s *Server) accept(l *link) {
	if err := s.sendFrame(header{Kind: kindAccept}, l.session[:], l.addr); err != nil {
		s.logger.Error().
			Str("addr", l.addr.String()).
			Msgf("could not accept: %v", err)
	}
}

func (s *Server) maintain(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, l := range s.links {
		if l.timedOut(now, s.opts.Timeout) {
			delete(s.links, id)
			s.push(transport.Event{Kind: transport.EventDisconnect, Conn: id, Reason: transport.ReasonTimedOut})
			s.logger.Debug().
				Str("addr", l.addr.String()).
				Msg("evicted link")
			continue
		}
		s.resend(l, now)
	}

	for id, lim := range s.limiters {
		if now.Sub(lim.lastSeen) > limiterIdle {
			delete(s.limiters, id)
		}
	}
}
