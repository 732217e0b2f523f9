package udptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/byteorder"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

type Options struct {
	transport.Options

	// PingInterval is how often an otherwise idle link is probed.
	PingInterval time.Duration
	// TickInterval paces retransmission and timeout checks.
	TickInterval time.Duration
	// ConnectRetry is how often a client repeats its connect request.
	ConnectRetry time.Duration
	// ConnectRate and ConnectBurst limit connect requests per remote
	// address on a server.
	ConnectRate  rate.Limit
	ConnectBurst int
	// QueueSize bounds data events waiting to be polled. Connection
	// lifecycle events are always queued.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 20 * time.Millisecond
	}
	if o.ConnectRetry <= 0 {
		o.ConnectRetry = 250 * time.Millisecond
	}
	if o.ConnectRate <= 0 {
		o.ConnectRate = 5
	}
	if o.ConnectBurst <= 0 {
		o.ConnectBurst = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	return o
}

// endpoint is what server and client share: the socket, the event queue
// and the receive/maintenance loops.
type endpoint struct {
	conn      *net.UDPConn
	buf       []byte
	closeOnce sync.Once

	logger *log.Logger
	opts   Options

	queue eventQueue
}

func newEndpoint(conn *net.UDPConn, opts Options, logger *log.Logger) *endpoint {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	opts = opts.withDefaults()
	return &endpoint{
		conn:   conn,
		buf:    make([]byte, MaxFrameSize),
		logger: logger,
		opts:   opts,
		queue:  eventQueue{dataLimit: opts.QueueSize},
	}
}

// eventQueue is a fifo of events waiting to be polled. Only data events
// count against dataLimit; connect, disconnect and status events are never
// refused.
type eventQueue struct {
	mu        sync.Mutex
	events    []transport.Event
	data      int
	dataLimit int
}

func (q *eventQueue) push(ev transport.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.Kind == transport.EventData {
		if q.data >= q.dataLimit {
			return false
		}
		q.data++
	}
	q.events = append(q.events, ev)
	return true
}

func (q *eventQueue) pop() (transport.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return transport.Event{}, false
	}
	ev := q.events[0]
	q.events[0] = transport.Event{}
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = nil
	}
	if ev.Kind == transport.EventData {
		q.data--
	}
	return ev, true
}

// push queues ev. It reports false only for data events that do not fit;
// unacked reliable frames are then resent by the remote.
func (e *endpoint) push(ev transport.Event) bool {
	if !e.queue.push(ev) {
		e.logger.Warn().
			Str("kind", ev.Kind.String()).
			Msg("event queue full, dropping")
		return false
	}
	return true
}

func (e *endpoint) Poll() (transport.Event, bool) {
	return e.queue.pop()
}

func (e *endpoint) sendBytes(data []byte, addr *net.UDPAddr) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, len(data))
	}
	_, err := e.conn.WriteToUDP(data, addr)
	return err
}

func (e *endpoint) sendFrame(h header, payload []byte, addr *net.UDPAddr) error {
	return e.sendBytes(makeFrame(h, payload), addr)
}

func (e *endpoint) sendPing(l *link, now time.Time) {
	l.lastPing = now
	err := e.sendFrame(header{Kind: kindPing}, byteorder.Htonll(uint64(now.UnixNano())), l.addr)
	if err != nil {
		e.logger.Debug().
			Str("addr", l.addr.String()).
			Msgf("could not ping: %v", err)
	}
}

func (e *endpoint) sendPong(ping []byte, addr *net.UDPAddr) {
	if err := e.sendFrame(header{Kind: kindPong}, ping, addr); err != nil {
		e.logger.Debug().
			Str("addr", addr.String()).
			Msgf("could not pong: %v", err)
	}
}

func (e *endpoint) handlePong(l *link, payload []byte, now time.Time) {
	if len(payload) != 8 {
		return
	}
	sentAt := time.Unix(0, int64(byteorder.Ntohll(payload)))
	l.observeRTT(now.Sub(sentAt))
}

// resend writes l's overdue reliable frames and pings it when idle.
func (e *endpoint) resend(l *link, now time.Time) {
	for _, data := range l.due(now) {
		if err := e.sendBytes(data, l.addr); err != nil {
			e.logger.Debug().
				Str("addr", l.addr.String()).
				Msgf("could not resend: %v", err)
		}
	}
	if now.Sub(l.lastPing) >= e.opts.PingInterval {
		e.sendPing(l, now)
	}
}

func (e *endpoint) ack(h header, addr *net.UDPAddr) {
	h.Kind = kindAck
	if err := e.sendFrame(h, nil, addr); err != nil {
		e.logger.Debug().
			Str("addr", addr.String()).
			Msgf("could not ack: %v", err)
	}
}

// deliverTo returns a deliver func for link.incoming that queues copies of
// payloads as data events.
func (e *endpoint) deliverTo(conn transport.ConnID, channel uint8) func([]byte) bool {
	return func(payload []byte) bool {
		return e.push(transport.Event{
			Kind:    transport.EventData,
			Conn:    conn,
			Channel: channel,
			Data:    append([]byte(nil), payload...),
		})
	}
}

func (e *endpoint) closeConn() error {
	err := error(nil)
	e.closeOnce.Do(func() {
		err = e.conn.Close()
	})
	return err
}

// run drives recv and maintain until ctx is done, then closes the socket.
func (e *endpoint) run(
	ctx context.Context,
	handle func(data []byte, addr *net.UDPAddr, now time.Time),
	maintain func(now time.Time),
) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runRecv(ctx, handle)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				maintain(now)
			}
		}
	}()

	<-ctx.Done()
	closeErr := e.closeConn()
	wg.Wait()
	if errors.Is(closeErr, net.ErrClosed) {
		return nil
	}
	return closeErr
}

func (e *endpoint) runRecv(ctx context.Context, handle func(data []byte, addr *net.UDPAddr, now time.Time)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := e.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				e.logger.Error().Msgf("could not set read deadline: %v", err)
			}

			n, addr, err := e.conn.ReadFromUDP(e.buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}

				e.logger.Error().
					Msgf("could not read from udp: %v", err)
				continue
			}

			handle(e.buf[:n], addr, time.Now())
		}
	}
}
