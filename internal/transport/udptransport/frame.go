package udptransport

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/fragnet/internal/byteorder"
	"github.com/blukai/fragnet/internal/debug"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/google/uuid"
)

const (
	HeaderSize   = 5        // kind (1) + method (1) + channel (1) + seq (2) = 5
	MaxFrameSize = 16 << 10 // 16 * 1024 bytes; a full 255 slot world state is ~7.5k
)

var errMalformedFrame = errors.New("malformed frame")

type kind uint8

const (
	_ kind = iota
	// connect request: app id, version, session, hail
	kindConnect
	// connect accepted: session
	kindAccept
	// connect rejected: reason
	kindReject
	kindData
	// acknowledges a reliable data frame; method, channel and seq identify it
	kindAck
	// keepalive and rtt probe: sender's clock in nanoseconds
	kindPing
	kindPong
	// reason
	kindDisconnect

	kindMax
)

type header struct {
	Kind    kind
	Method  transport.DeliveryMethod
	Channel uint8
	Seq     uint16
}

var (
	_ encoding.BinaryMarshaler   = (*header)(nil)
	_ encoding.BinaryUnmarshaler = (*header)(nil)
)

func (h *header) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteByte(uint8(h.Kind))
	buf.WriteByte(uint8(h.Method))
	buf.WriteByte(h.Channel)
	buf.Write(byteorder.Htons(h.Seq))

	data := buf.Bytes()
	debug.Assert(len(data) == HeaderSize)

	return data, nil
}

func (h *header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("%w: header of %d bytes", errMalformedFrame, len(data))
	}

	h.Kind = kind(data[0])
	h.Method = transport.DeliveryMethod(data[1])
	h.Channel = data[2]
	h.Seq = byteorder.Ntohs(data[3:5])

	if h.Kind == 0 || h.Kind >= kindMax {
		return fmt.Errorf("%w: kind %d", errMalformedFrame, h.Kind)
	}
	if !h.Method.Valid() {
		return fmt.Errorf("%w: method %d", errMalformedFrame, h.Method)
	}

	return nil
}

func makeFrame(h header, payload []byte) []byte {
	headerBytes, err := h.MarshalBinary()
	debug.Assert(err == nil)
	return append(headerBytes, payload...)
}

func parseFrame(data []byte) (header, []byte, error) {
	if len(data) < HeaderSize {
		return header{}, nil, fmt.Errorf("%w: %d bytes (want >= %d)", errMalformedFrame, len(data), HeaderSize)
	}
	h := header{}
	if err := h.UnmarshalBinary(data[:HeaderSize]); err != nil {
		return header{}, nil, err
	}
	return h, data[HeaderSize:], nil
}

type connectRequest struct {
	AppID   string
	Version string
	Session uuid.UUID
	Hail    []byte
}

var (
	_ encoding.BinaryMarshaler   = (*connectRequest)(nil)
	_ encoding.BinaryUnmarshaler = (*connectRequest)(nil)
)

func (r *connectRequest) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	for _, s := range []string{r.AppID, r.Version} {
		if len(s) > 0xff {
			return nil, fmt.Errorf("connect field too long (%d bytes)", len(s))
		}
		buf.WriteByte(uint8(len(s)))
		buf.WriteString(s)
	}
	buf.Write(r.Session[:])
	buf.Write(r.Hail)

	return buf.Bytes(), nil
}

func (r *connectRequest) UnmarshalBinary(data []byte) error {
	fields := [2]string{}
	for i := range fields {
		if len(data) < 1 || len(data) < 1+int(data[0]) {
			return fmt.Errorf("%w: short connect request", errMalformedFrame)
		}
		n := int(data[0])
		fields[i] = string(data[1 : 1+n])
		data = data[1+n:]
	}
	if len(data) < len(r.Session) {
		return fmt.Errorf("%w: short connect session", errMalformedFrame)
	}

	r.AppID, r.Version = fields[0], fields[1]
	copy(r.Session[:], data)
	r.Hail = append([]byte(nil), data[len(r.Session):]...)

	return nil
}
