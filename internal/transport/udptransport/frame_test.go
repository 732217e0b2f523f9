package udptransport

import (
	"errors"
	"testing"

	"github.com/blukai/fragnet/internal/transport"
	"github.com/google/uuid"
	"github.com/matryer/is"
)

func TestHeader(t *testing.T) {
	is := is.New(t)

	h := header{Kind: kindData, Method: transport.ReliableOrdered, Channel: 10, Seq: 0xbeef}
	data, err := h.MarshalBinary()
	is.NoErr(err)
	is.Equal(data, []byte{uint8(kindData), uint8(transport.ReliableOrdered), 10, 0xbe, 0xef})

	got := header{}
	is.NoErr(got.UnmarshalBinary(data))
	is.Equal(got, h)
}

func TestParseFrame(t *testing.T) {
	is := is.New(t)

	frame := makeFrame(header{Kind: kindPing}, []byte("abc"))
	h, payload, err := parseFrame(frame)
	is.NoErr(err)
	is.Equal(h.Kind, kindPing)
	is.Equal(payload, []byte("abc"))

	for _, data := range [][]byte{
		nil,
		{uint8(kindData), 0, 0},
		{0, 0, 0, 0, 0},
		{uint8(kindMax), 0, 0, 0, 0},
		{uint8(kindData), 0xff, 0, 0, 0},
	} {
		_, _, err := parseFrame(data)
		is.True(errors.Is(err, errMalformedFrame))
	}
}

func TestConnectRequest(t *testing.T) {
	is := is.New(t)

	req := connectRequest{
		AppID:   "fragnet",
		Version: "1",
		Session: uuid.New(),
		Hail:    []byte{1, 2, 3},
	}
	data, err := req.MarshalBinary()
	is.NoErr(err)

	got := connectRequest{}
	is.NoErr(got.UnmarshalBinary(data))
	is.Equal(got, req)

	err = got.UnmarshalBinary(data[:len(data)-len(req.Hail)-1])
	is.True(errors.Is(err, errMalformedFrame))
}
