package udptransport

import (
	"net"
	"time"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// window bounds both the reliable-unordered duplicate filter and the
	// number of out-of-order frames held back per reliable-ordered stream.
	window = 1024

	minResendDelay = 50 * time.Millisecond
	maxResendDelay = time.Second
)

func makeConnID(addr *net.UDPAddr) transport.ConnID {
	return transport.ConnID(xxhash.Sum64String(addr.String()))
}

// seqNewer reports whether a comes after b, allowing for wrap-around.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

type streamKey struct {
	method  transport.DeliveryMethod
	channel uint8
}

type pendingKey struct {
	streamKey
	seq uint16
}

type pendingFrame struct {
	data     []byte
	sentAt   time.Time
	attempts int
}

type recvStream struct {
	// unreliable sequenced
	last uint16
	have bool

	// reliable unordered: seq | 1<<16 of the last frame seen in each slot
	seen [window]uint32

	// reliable ordered
	next uint16
	held map[uint16][]byte
}

// link is one end of a connection: sequencing, acknowledgement and
// retransmission state. It is not safe for concurrent use.
type link struct {
	id      transport.ConnID
	addr    *net.UDPAddr
	session uuid.UUID

	lastSeen time.Time
	lastPing time.Time
	rtt      time.Duration

	sendSeq map[streamKey]uint16
	pending map[pendingKey]*pendingFrame
	recv    map[streamKey]*recvStream
}

func newLink(addr *net.UDPAddr, session uuid.UUID, now time.Time) *link {
	return &link{
		id:       makeConnID(addr),
		addr:     addr,
		session:  session,
		lastSeen: now,
		lastPing: now,
		sendSeq:  make(map[streamKey]uint16),
		pending:  make(map[pendingKey]*pendingFrame),
		recv:     make(map[streamKey]*recvStream),
	}
}

func (l *link) stream(key streamKey) *recvStream {
	s, ok := l.recv[key]
	if !ok {
		s = &recvStream{held: make(map[uint16][]byte)}
		l.recv[key] = s
	}
	return s
}

// outgoing frames payload for sending. Reliable frames are remembered until
// acked.
func (l *link) outgoing(method transport.DeliveryMethod, channel uint8, payload []byte, now time.Time) []byte {
	key := streamKey{method, channel}
	seq := l.sendSeq[key]
	l.sendSeq[key] = seq + 1

	data := makeFrame(header{Kind: kindData, Method: method, Channel: channel, Seq: seq}, payload)
	if method.Reliable() {
		l.pending[pendingKey{key, seq}] = &pendingFrame{data: data, sentAt: now, attempts: 1}
	}
	return data
}

// incoming processes a data frame. deliver hands a payload to the
// application and reports whether it was taken; it must copy payload. The
// result tells whether the frame must be acked. A reliable frame that could
// not be delivered is not acked, so the sender retransmits it later.
func (l *link) incoming(h header, payload []byte, deliver func([]byte) bool) (ack bool) {
	key := streamKey{h.Method, h.Channel}

	switch h.Method {
	case transport.Unreliable:
		deliver(payload)
		return false

	case transport.UnreliableSequenced:
		s := l.stream(key)
		if s.have && !seqNewer(h.Seq, s.last) {
			return false
		}
		if deliver(payload) {
			s.last = h.Seq
			s.have = true
		}
		return false

	case transport.ReliableUnordered:
		s := l.stream(key)
		mark := uint32(h.Seq) | 1<<16
		if s.seen[h.Seq%window] == mark {
			// duplicate; our previous ack got lost
			return true
		}
		if !deliver(payload) {
			return false
		}
		s.seen[h.Seq%window] = mark
		return true

	case transport.ReliableOrdered:
		s := l.stream(key)
		s.flush(deliver)
		if h.Seq != s.next {
			if !seqNewer(h.Seq, s.next) {
				return true
			}
			if _, ok := s.held[h.Seq]; !ok {
				if len(s.held) >= window {
					return false
				}
				s.held[h.Seq] = append([]byte(nil), payload...)
			}
			return true
		}
		if !deliver(payload) {
			return false
		}
		s.next++
		s.flush(deliver)
		return true
	}

	return false
}

// flush delivers held frames that are now in order.
func (s *recvStream) flush(deliver func([]byte) bool) {
	for {
		payload, ok := s.held[s.next]
		if !ok || !deliver(payload) {
			return
		}
		delete(s.held, s.next)
		s.next++
	}
}

func (l *link) acked(h header, now time.Time) {
	key := pendingKey{streamKey{h.Method, h.Channel}, h.Seq}
	p, ok := l.pending[key]
	if !ok {
		return
	}
	delete(l.pending, key)
	// only unambiguous samples (karn's algorithm)
	if p.attempts == 1 {
		l.observeRTT(now.Sub(p.sentAt))
	}
}

func (l *link) observeRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if l.rtt == 0 {
		l.rtt = sample
		return
	}
	l.rtt = (7*l.rtt + sample) / 8
}

func (l *link) resendDelay() time.Duration {
	return min(max(2*l.rtt, minResendDelay), maxResendDelay)
}

// due returns the reliable frames whose ack is overdue and marks them
// resent.
func (l *link) due(now time.Time) [][]byte {
	delay := l.resendDelay()
	var frames [][]byte
	for _, p := range l.pending {
		if now.Sub(p.sentAt) < delay {
			continue
		}
		p.sentAt = now
		p.attempts++
		frames = append(frames, p.data)
	}
	return frames
}

func (l *link) timedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.lastSeen) > timeout
}
