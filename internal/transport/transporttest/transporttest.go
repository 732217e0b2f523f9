// Package transporttest provides an in-memory transport for tests. Delivery
// is immediate, lossless and FIFO, so peers can be stepped tick by tick
// without sockets or sleeps.
package transporttest

import (
	"fmt"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/transport"
)

type Network struct {
	mu       sync.Mutex
	servers  map[string]*Server
	nextConn transport.ConnID
}

func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

func (n *Network) Listen(addr string, opts transport.Options) (*Server, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.servers[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	s := &Server{
		network: n,
		addr:    addr,
		opts:    opts,
		conns:   make(map[transport.ConnID]*Client),
	}
	n.servers[addr] = s
	return s, nil
}

func (n *Network) NewClient(opts transport.Options) *Client {
	return &Client{network: n, opts: opts}
}

func (n *Network) lookup(addr string) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.servers[addr]
}

func (n *Network) connID() transport.ConnID {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextConn++
	return n.nextConn
}

type queue struct {
	mu     sync.Mutex
	events []transport.Event
}

func (q *queue) push(ev transport.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *queue) Poll() (transport.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return transport.Event{}, false
	}
	ev := q.events[0]
	q.events[0] = transport.Event{}
	q.events = q.events[1:]
	return ev, true
}

// Pending returns how many events wait to be polled.
func (q *queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

type Server struct {
	queue

	network *Network
	addr    string
	opts    transport.Options

	connsMu sync.Mutex
	conns   map[transport.ConnID]*Client
}

var _ transport.Server = (*Server)(nil)

func (s *Server) client(id transport.ConnID) *Client {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.conns[id]
}

func (s *Server) detach(id transport.ConnID) *Client {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	c := s.conns[id]
	delete(s.conns, id)
	return c
}

// Conns returns the ids of every attached client.
func (s *Server) Conns() []transport.ConnID {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	ids := make([]transport.ConnID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) Send(conn transport.ConnID, data []byte, method transport.DeliveryMethod, channel uint8) error {
	c := s.client(conn)
	if c == nil {
		return fmt.Errorf("%w: %d", transport.ErrUnknownConn, conn)
	}
	c.push(transport.Event{
		Kind:    transport.EventData,
		Channel: channel,
		Data:    append([]byte(nil), data...),
	})
	return nil
}

func (s *Server) Disconnect(conn transport.ConnID, reason string) error {
	c := s.detach(conn)
	if c == nil {
		return fmt.Errorf("%w: %d", transport.ErrUnknownConn, conn)
	}
	c.drop(reason)
	return nil
}

// Drop simulates the transport losing conn: both ends are told it timed
// out.
func (s *Server) Drop(conn transport.ConnID) {
	c := s.detach(conn)
	if c == nil {
		return
	}
	s.push(transport.Event{Kind: transport.EventDisconnect, Conn: conn, Reason: transport.ReasonTimedOut})
	c.drop(transport.ReasonTimedOut)
}

func (s *Server) Close() error {
	s.network.mu.Lock()
	delete(s.network.servers, s.addr)
	s.network.mu.Unlock()

	for _, id := range s.Conns() {
		if c := s.detach(id); c != nil {
			c.drop(transport.ReasonShutdown)
		}
	}
	return nil
}

type Client struct {
	queue

	network *Network
	opts    transport.Options

	stateMu sync.Mutex
	status  transport.Status
	server  *Server
	id      transport.ConnID
	rtt     time.Duration
	tried   bool
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Connect(address string, hail []byte) error {
	c.stateMu.Lock()
	if c.tried {
		c.stateMu.Unlock()
		return fmt.Errorf("connect already attempted (status %s)", c.status)
	}
	c.tried = true
	c.status = transport.StatusConnecting
	c.stateMu.Unlock()
	c.push(transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnecting})

	s := c.network.lookup(address)
	if s == nil {
		c.drop(transport.ReasonTimedOut)
		return nil
	}
	if !s.opts.Compatible(c.opts.AppID, c.opts.Version) {
		c.drop(transport.ReasonIncompatible)
		return nil
	}

	id := c.network.connID()
	s.connsMu.Lock()
	s.conns[id] = c
	s.connsMu.Unlock()

	c.stateMu.Lock()
	c.server = s
	c.id = id
	c.status = transport.StatusConnected
	c.stateMu.Unlock()

	s.push(transport.Event{Kind: transport.EventConnect, Conn: id, Hail: append([]byte(nil), hail...)})
	c.push(transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected})
	return nil
}

// ID is the connection id the server knows this client by.
func (c *Client) ID() transport.ConnID {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.id
}

func (c *Client) Send(data []byte, method transport.DeliveryMethod, channel uint8) error {
	c.stateMu.Lock()
	s, id, status := c.server, c.id, c.status
	c.stateMu.Unlock()

	if status != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	s.push(transport.Event{
		Kind:    transport.EventData,
		Conn:    id,
		Channel: channel,
		Data:    append([]byte(nil), data...),
	})
	return nil
}

func (c *Client) Status() transport.Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.status
}

func (c *Client) SetRoundTripTime(rtt time.Duration) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.rtt = rtt
}

func (c *Client) RoundTripTime() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.rtt
}

func (c *Client) Close() error {
	c.stateMu.Lock()
	s, id, status := c.server, c.id, c.status
	c.stateMu.Unlock()

	if status != transport.StatusConnected {
		return nil
	}
	if s.detach(id) != nil {
		s.push(transport.Event{Kind: transport.EventDisconnect, Conn: id, Reason: transport.ReasonShutdown})
	}
	c.drop(transport.ReasonShutdown)
	return nil
}

func (c *Client) drop(reason string) {
	c.stateMu.Lock()
	if c.status == transport.StatusDisconnected {
		c.stateMu.Unlock()
		return
	}
	c.status = transport.StatusDisconnected
	c.server = nil
	c.stateMu.Unlock()

	c.push(transport.Event{Kind: transport.EventStatus, Status: transport.StatusDisconnected, Reason: reason})
}
