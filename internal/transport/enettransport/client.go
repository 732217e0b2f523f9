package enettransport

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/codecat/go-enet"
	"github.com/phuslu/log"
)

var errAlreadyConnecting = errors.New("already connecting")

type Client struct {
	host   enet.Host
	opts   Options
	logger *log.Logger

	peer   enet.Peer
	hail   []byte
	status transport.Status
	since  time.Time
	// rtt is measured from connect request to handshake; enet keeps finer
	// numbers internally but does not expose them.
	rtt    time.Duration
	closed bool

	pending []transport.Event
}

var _ transport.Client = (*Client)(nil)

func NewClient(opts Options, logger *log.Logger) (*Client, error) {
	initialize()
	opts = opts.withDefaults()

	host, err := enet.NewHost(nil, 1, opts.ChannelLimit, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("could not create enet host: %w", err)
	}

	c := &Client{
		host:   host,
		opts:   opts,
		logger: silenced(logger),
	}

	return c, nil
}

func (c *Client) setStatus(status transport.Status, reason string) {
	c.status = status
	c.pending = append(c.pending, transport.Event{Kind: transport.EventStatus, Status: status, Reason: reason})
}

func (c *Client) Connect(address string, hail []byte) error {
	if c.status != transport.StatusDisconnected {
		return errAlreadyConnecting
	}

	addr, err := parseAddress(address, false)
	if err != nil {
		return err
	}

	peer, err := c.host.Connect(addr, int(c.opts.ChannelLimit), versionToken(c.opts.Options))
	if err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}

	c.peer = peer
	c.hail = append([]byte(nil), hail...)
	c.since = time.Now()
	c.setStatus(transport.StatusConnecting, "")
	return nil
}

func (c *Client) Poll() (transport.Event, bool) {
	if !c.closed {
		c.service()
		c.expireHandshake(time.Now())
	}
	if len(c.pending) == 0 {
		return transport.Event{}, false
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, true
}

func (c *Client) service() {
	for {
		ev := c.host.Service(0)
		switch ev.GetType() {
		case enet.EventNone:
			return

		case enet.EventConnect:
			c.rtt = time.Since(c.since)
			if err := c.peer.SendBytes(c.hail, hailChannel, enet.PacketFlagReliable); err != nil {
				c.logger.Error().Msgf("could not send hail: %v", err)
				c.peer.DisconnectNow(codeNone)
				c.peer = nil
				c.setStatus(transport.StatusDisconnected, transport.ReasonTimedOut)
				return
			}
			c.setStatus(transport.StatusConnected, "")

		case enet.EventDisconnect:
			c.peer = nil
			c.setStatus(transport.StatusDisconnected, codeReason(ev.GetData()))

		case enet.EventReceive:
			data := receive(ev)
			c.pending = append(c.pending, transport.Event{
				Kind:    transport.EventData,
				Channel: ev.GetChannelID(),
				Data:    data,
			})
		}
	}
}

func (c *Client) expireHandshake(now time.Time) {
	if c.status != transport.StatusConnecting || !handshakeExpired(c.since, now, c.opts.Timeout) {
		return
	}
	c.peer.DisconnectNow(codeTimedOut)
	c.peer = nil
	c.setStatus(transport.StatusDisconnected, transport.ReasonTimedOut)
}

func (c *Client) Send(data []byte, method transport.DeliveryMethod, channel uint8) error {
	if c.status != transport.StatusConnected || c.peer == nil {
		return transport.ErrNotConnected
	}
	return c.peer.SendBytes(data, channel, packetFlags(method))
}

func (c *Client) Status() transport.Status {
	return c.status
}

func (c *Client) RoundTripTime() time.Duration {
	if c.status != transport.StatusConnected {
		return 0
	}
	return c.rtt
}

func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.peer != nil {
		c.peer.DisconnectNow(codeShutdown)
		c.peer = nil
	}
	if c.status != transport.StatusDisconnected {
		c.setStatus(transport.StatusDisconnected, transport.ReasonShutdown)
	}
	c.host.Destroy()
	return nil
}
