package udptransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

var errAlreadyConnecting = errors.New("already connecting")

type Client struct {
	*endpoint

	network string

	mu       sync.Mutex
	status   transport.Status
	server   *net.UDPAddr
	session  uuid.UUID
	request  []byte
	started  time.Time
	lastSent time.Time
	link     *link
}

var _ transport.Client = (*Client)(nil)

func NewClient(network string, opts Options, logger *log.Logger) (*Client, error) {
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	c := &Client{
		endpoint: newEndpoint(conn, opts, logger),
		network:  network,
	}

	return c, nil
}

func (c *Client) Run(ctx context.Context) error {
	return c.run(ctx, c.handleFrame, c.maintain)
}

func (c *Client) Connect(address string, hail []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != transport.StatusDisconnected {
		return errAlreadyConnecting
	}

	addr, err := net.ResolveUDPAddr(c.network, address)
	if err != nil {
		return fmt.Errorf("could not resolve udp addr: %w", err)
	}

	session := uuid.New()
	req := connectRequest{
		AppID:   c.opts.AppID,
		Version: c.opts.Version,
		Session: session,
		Hail:    hail,
	}
	payload, err := req.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal connect request: %w", err)
	}

	now := time.Now()
	c.server = addr
	c.session = session
	c.request = makeFrame(header{Kind: kindConnect}, payload)
	c.started = now
	c.lastSent = now
	c.link = nil
	c.setStatus(transport.StatusConnecting, "")

	if err := c.sendBytes(c.request, addr); err != nil {
		// maintain keeps retrying until timeout
		c.logger.Warn().Msgf("could not send connect request: %v", err)
	}
	return nil
}

func (c *Client) Send(data []byte, method transport.DeliveryMethod, channel uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != transport.StatusConnected || c.link == nil {
		return transport.ErrNotConnected
	}
	if len(data)+HeaderSize > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, len(data))
	}
	return c.sendBytes(c.link.outgoing(method, channel, data, time.Now()), c.server)
}

func (c *Client) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) RoundTripTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return 0
	}
	return c.link.rtt
}

// Close tells the server goodbye, if connected, and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.status == transport.StatusConnected {
		if err := c.sendFrame(header{Kind: kindDisconnect}, []byte(transport.ReasonShutdown), c.server); err != nil {
			c.logger.Debug().Msgf("could not say bye: %v", err)
		}
	}
	if c.status != transport.StatusDisconnected {
		c.drop(transport.ReasonShutdown)
	}
	c.mu.Unlock()

	return c.closeConn()
}

// setStatus must be called with mu held.
func (c *Client) setStatus(status transport.Status, reason string) {
	c.status = status
	c.push(transport.Event{Kind: transport.EventStatus, Status: status, Reason: reason})
}

// drop must be called with mu held.
func (c *Client) drop(reason string) {
	c.link = nil
	c.setStatus(transport.StatusDisconnected, reason)
}

func (c *Client) fromServer(addr *net.UDPAddr) bool {
	return c.server != nil && c.server.Port == addr.Port && c.server.IP.Equal(addr.IP)
}

func (c *Client) handleFrame(data []byte, addr *net.UDPAddr, now time.Time) {
	h, payload, err := parseFrame(data)
	if err != nil {
		c.logger.Error().
			Str("addr", addr.String()).
			Msgf("could not parse frame: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fromServer(addr) {
		c.logger.Debug().
			Str("addr", addr.String()).
			Msg("frame from stranger")
		return
	}

	switch h.Kind {
	case kindAccept:
		if c.status != transport.StatusConnecting || len(payload) != len(c.session) {
			return
		}
		if uuid.UUID(payload) != c.session {
			return
		}
		c.link = newLink(addr, c.session, now)
		c.setStatus(transport.StatusConnected, "")
		return
	case kindReject:
		if c.status == transport.StatusConnecting {
			c.drop(string(payload))
		}
		return
	}

	l := c.link
	if l == nil {
		return
	}
	l.lastSeen = now

	switch h.Kind {
	case kindData:
		if l.incoming(h, payload, c.deliverTo(l.id, h.Channel)) {
			c.ack(h, addr)
		}
	case kindAck:
		l.acked(h, now)
	case kindPing:
		c.sendPong(payload, addr)
	case kindPong:
		c.handlePong(l, payload, now)
	case kindDisconnect:
		c.drop(string(payload))
	default:
		c.logger.Debug().
			Uint8("kind", uint8(h.Kind)).
			Msg("unexpected frame")
	}
}

func (c *Client) maintain(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case transport.StatusConnecting:
		if now.Sub(c.started) > c.opts.Timeout {
			c.drop(transport.ReasonTimedOut)
			return
		}
		if now.Sub(c.lastSent) >= c.opts.ConnectRetry {
			c.lastSent = now
			if err := c.sendBytes(c.request, c.server); err != nil {
				c.logger.Debug().Msgf("could not resend connect request: %v", err)
			}
		}
	case transport.StatusConnected:
		if c.link.timedOut(now, c.opts.Timeout) {
			c.drop(transport.ReasonTimedOut)
			return
		}
		c.resend(c.link, now)
	}
}
