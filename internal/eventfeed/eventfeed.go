// Package eventfeed streams presentation events and diagnostics to
// websocket subscribers, e.g. a spectator page or a test harness.
package eventfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	KindStatus = "status"

	sendQueueSize = 64
	writeWait     = time.Second

	DefaultStatusInterval = 250 * time.Millisecond
)

// Envelope is the msgpack document of every binary message.
type Envelope struct {
	Kind    string `msgpack:"kind"`
	Payload any    `msgpack:"payload"`
}

// StatusPayload is the diagnostic readout.
type StatusPayload struct {
	Role                string `msgpack:"role"`
	RTTMillis           int64  `msgpack:"rtt_ms"`
	InterpolationMillis int64  `msgpack:"interp_ms"`
	Text                string `msgpack:"text"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected subscriber. Slow subscribers miss
// messages rather than slowing the tick down.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	statusInterval time.Duration
	lastStatus     time.Time
}

var (
	_ game.Observer   = (*Hub)(nil)
	_ game.StatusSink = (*Hub)(nil)
	_ http.Handler    = (*Hub)(nil)
)

func NewHub(statusInterval time.Duration, logger *log.Logger) *Hub {
	if statusInterval <= 0 {
		statusInterval = DefaultStatusInterval
	}
	return &Hub{
		logger: peer.Silenced(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		subscribers:    make(map[*subscriber]struct{}),
		statusInterval: statusInterval,
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().
			Str("addr", r.RemoteAddr).
			Msgf("could not upgrade: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendQueueSize)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Str("addr", r.RemoteAddr).Msg("subscriber joined")

	go h.writeLoop(sub)

	// subscribers only listen; reading detects when they go away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(sub)
	h.logger.Debug().Str("addr", r.RemoteAddr).Msg("subscriber left")
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer sub.conn.Close()

	for data := range sub.send {
		if err := sub.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := sub.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			h.logger.Debug().Msgf("could not write to subscriber: %v", err)
			return
		}
	}

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	sub.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

func (h *Hub) Observe(ev game.Event) {
	h.publish(Envelope{Kind: ev.Kind(), Payload: ev})
}

// SetStatus forwards diagnostics at most once per status interval.
func (h *Hub) SetStatus(s game.Status) {
	now := time.Now()
	h.mu.Lock()
	if now.Sub(h.lastStatus) < h.statusInterval {
		h.mu.Unlock()
		return
	}
	h.lastStatus = now
	h.mu.Unlock()

	h.publish(Envelope{Kind: KindStatus, Payload: StatusPayload{
		Role:                s.Role,
		RTTMillis:           s.RTT.Milliseconds(),
		InterpolationMillis: s.InterpolationDelay.Milliseconds(),
		Text:                s.String(),
	}})
}

func (h *Hub) publish(env Envelope) {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		h.logger.Error().
			Str("kind", env.Kind).
			Msgf("could not marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- data:
		default:
			h.logger.Debug().Str("kind", env.Kind).Msg("subscriber lagging, dropping")
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}
