package protocol_test

import (
	"errors"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/ptr"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/matryer/is"
)

func playerState(id uint8, x float32) *protocol.PlayerState {
	return &protocol.PlayerState{
		PlayerID: id,
		Position: mgl32.Vec3{x, 1.5, -x},
		Rotation: mgl32.QuatRotate(x/10, mgl32.Vec3{0, 1, 0}),
	}
}

func TestPacketTypeValues(t *testing.T) {
	is := is.New(t)

	// these are on the wire; renumbering breaks compatibility.
	is.Equal(uint8(protocol.TypeConnected), uint8(0))
	is.Equal(uint8(protocol.TypePlayerPreferences), uint8(5))
	is.Equal(uint8(protocol.TypePlayerExtraInfo), uint8(6))
	is.Equal(uint8(protocol.TypePlayerConnected), uint8(10))
	is.Equal(uint8(protocol.TypePlayerDisconnected), uint8(11))
	is.Equal(uint8(protocol.TypePlayerState), uint8(12))
	is.Equal(uint8(protocol.TypePlayerKill), uint8(13))
	is.Equal(uint8(protocol.TypePlayerDeath), uint8(14))
	is.Equal(uint8(protocol.TypePlayerShoot), uint8(15))
	is.Equal(uint8(protocol.TypeWorldState), uint8(20))
}

func TestPacketRoundTrip(t *testing.T) {
	testCases := []protocol.Packet{
		&protocol.Connected{
			PlayerID:   3,
			MaxPlayers: 16,
			LevelName:  "arena",
			Players: []protocol.PlayerPreferences{
				{PlayerID: 0, Name: "host", Color: color.RGBA{R: 255, A: 255}},
				{PlayerID: 3, Name: "späti", Color: color.RGBA{G: 128, B: 7, A: 255}},
			},
			PlayersInfo: []protocol.PlayerExtraInfo{
				{PlayerID: 0, Kills: 4, Deaths: -1},
				{PlayerID: 3, Kills: math.MaxInt16, Deaths: math.MinInt16},
			},
		},
		&protocol.Connected{PlayerID: 0, MaxPlayers: 1, LevelName: ""},
		&protocol.PlayerConnected{PlayerID: 7},
		&protocol.PlayerDisconnected{PlayerID: 255},
		playerState(2, 12.25),
		&protocol.PlayerKill{KillerID: 1, TargetID: 2},
		&protocol.PlayerDeath{PlayerID: 2, KillerID: 1, PlayerDeaths: 1, KillerKills: 1},
		&protocol.PlayerShoot{PlayerID: 4, From: mgl32.Vec3{1, 2, 3}, To: mgl32.Vec3{-4, 5.5, 6}},
		&protocol.PlayerStats{Players: []protocol.PlayerExtraInfo{{PlayerID: 1, Kills: 2, Deaths: 3}}},
		&protocol.PlayerStats{},
		&protocol.WorldState{
			ServerTime: 1234 * time.Millisecond,
			Players:    []*protocol.PlayerState{playerState(0, 1), nil, playerState(2, 3)},
		},
		&protocol.WorldState{ServerTime: -time.Nanosecond},
	}

	for _, original := range testCases {
		t.Run(original.Type().String(), func(t *testing.T) {
			is := is.New(t)

			encoded, err := protocol.Encode(original)
			is.NoErr(err)
			is.Equal(encoded[0], uint8(original.Type()))

			decoded, err := protocol.Decode(encoded)
			is.NoErr(err)
			is.Equal(decoded, original)
		})
	}
}

func TestWorldStateSparseRoundTrip(t *testing.T) {
	is := is.New(t)

	const slots = 5
	// every subset of present slots
	for mask := 0; mask < 1<<slots; mask++ {
		original := &protocol.WorldState{
			ServerTime: time.Duration(mask) * 20 * time.Millisecond,
			Players:    make([]*protocol.PlayerState, slots),
		}
		for i := 0; i < slots; i++ {
			if mask&(1<<i) != 0 {
				original.Players[i] = playerState(uint8(i), float32(mask+i))
			}
		}

		encoded, err := protocol.Encode(original)
		is.NoErr(err)

		decoded, err := protocol.Decode(encoded)
		is.NoErr(err)
		is.Equal(decoded, original)
	}
}

func TestPlayerPreferencesEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.PlayerPreferences{
		PlayerID: 9,
		Name:     "blukai",
		Color:    color.RGBA{R: 1, G: 2, B: 3, A: 4},
	}

	encoded, err := original.MarshalBinary()
	is.NoErr(err)
	// id + name length + name + rgba
	is.Equal(len(encoded), 1+2+len("blukai")+4)

	var decoded protocol.PlayerPreferences
	is.NoErr(decoded.UnmarshalBinary(encoded))
	is.Equal(decoded, original)
}

func TestPlayerExtraInfoEncoding(t *testing.T) {
	is := is.New(t)

	testCases := []int16{0, 1, -1, 42, -42, math.MaxInt16, math.MinInt16}

	for _, tc := range testCases {
		original := protocol.PlayerExtraInfo{PlayerID: 1, Kills: tc, Deaths: -tc}

		encoded, err := original.MarshalBinary()
		is.NoErr(err)
		is.Equal(len(encoded), 5)

		var decoded protocol.PlayerExtraInfo
		is.NoErr(decoded.UnmarshalBinary(encoded))
		is.Equal(decoded, original)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := protocol.Encode(&protocol.PlayerKill{KillerID: 1, TargetID: 2})
	if err != nil {
		t.Fatal(err)
	}

	mismatched, err := protocol.Encode(&protocol.WorldState{
		Players: []*protocol.PlayerState{nil, playerState(1, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	// slot 1 now claims to hold player 0
	mismatched[len(mismatched)-29] = 0

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, protocol.ErrMalformed},
		{"unknown tag", []byte{99}, protocol.ErrUnknownPacket},
		{"sub-record tag", []byte{uint8(protocol.TypePlayerPreferences), 0, 0, 0, 0, 0, 0, 0}, protocol.ErrUnknownPacket},
		{"truncated", valid[:len(valid)-1], protocol.ErrMalformed},
		{"trailing", append(append([]byte{}, valid...), 0), protocol.ErrMalformed},
		{"bad bool", []byte{uint8(protocol.TypeWorldState), 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}, protocol.ErrMalformed},
		{"slot mismatch", mismatched, protocol.ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			p, err := protocol.Decode(tc.data)
			is.True(errors.Is(err, tc.want))
			is.Equal(p, nil)
		})
	}
}

func TestEncodeListTooLong(t *testing.T) {
	is := is.New(t)

	players := make([]protocol.PlayerPreferences, protocol.MaxListLen+1)
	_, err := protocol.Encode(&protocol.Connected{Players: players})
	is.True(errors.Is(err, protocol.ErrListTooLong))

	states := make([]*protocol.PlayerState, protocol.MaxListLen+1)
	_, err = protocol.Encode(&protocol.WorldState{Players: states})
	is.True(errors.Is(err, protocol.ErrListTooLong))

	states = make([]*protocol.PlayerState, protocol.MaxListLen)
	states[protocol.MaxListLen-1] = ptr.To(protocol.PlayerState{PlayerID: protocol.MaxListLen - 1})
	_, err = protocol.Encode(&protocol.WorldState{Players: states})
	is.NoErr(err)
}

func TestEncodeWorldStateSlotMismatch(t *testing.T) {
	is := is.New(t)

	// slot 0 holding player 1 would not decode on the other side either
	data, err := protocol.Encode(&protocol.WorldState{
		Players: []*protocol.PlayerState{playerState(1, 1)},
	})
	is.True(errors.Is(err, protocol.ErrMalformed))
	is.Equal(data, nil)
}

func TestRoutes(t *testing.T) {
	is := is.New(t)

	control, ok := protocol.RouteOf(protocol.TypeConnected)
	is.True(ok)
	is.Equal(control.Method, transport.ReliableOrdered)

	state, ok := protocol.RouteOf(protocol.TypeWorldState)
	is.True(ok)
	is.Equal(state.Method, transport.UnreliableSequenced)
	is.True(state.Channel != control.Channel)

	for _, tt := range []protocol.PacketType{
		protocol.TypePlayerKill,
		protocol.TypePlayerDeath,
		protocol.TypePlayerShoot,
	} {
		r, ok := protocol.RouteOf(tt)
		is.True(ok)
		is.Equal(r.Method, transport.ReliableUnordered)
	}

	_, ok = protocol.RouteOf(protocol.TypePlayerExtraInfo)
	is.True(!ok)
}
