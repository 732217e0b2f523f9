package peer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blukai/fragnet/internal/headless"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/registry"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/matryer/is"
)

func TestLifecycle(t *testing.T) {
	is := is.New(t)

	l := peer.Lifecycle{}
	is.Equal(l.State(), peer.StateIdle)
	is.True(!l.Running())

	is.NoErr(l.Begin())
	is.True(l.Running())
	is.True(errors.Is(l.Begin(), peer.ErrAlreadyStarted))

	is.True(l.End())
	is.Equal(l.State(), peer.StateStopped)
	is.True(!l.End())

	// no restart in place
	is.True(errors.Is(l.Begin(), peer.ErrAlreadyStarted))
}

func TestEncode(t *testing.T) {
	is := is.New(t)

	out, err := peer.Encode(&protocol.PlayerKill{KillerID: 1, TargetID: 2})
	is.NoErr(err)
	is.Equal(out.Type, protocol.TypePlayerKill)
	is.Equal(out.Route.Method, transport.ReliableUnordered)
	is.Equal(out.Data, []byte{uint8(protocol.TypePlayerKill), 1, 2})
}

func TestLocalController(t *testing.T) {
	is := is.New(t)

	rec := registry.NewRecord(4, protocol.PlayerPreferences{Name: "me"})
	rec.Actor = headless.NewSpawner().Spawn(4, true, rec.Preferences)
	c := peer.NewLocalController(rec)
	is.True(rec.Local)
	is.Equal(c.ID(), uint8(4))

	rot := mgl32.QuatRotate(mgl32.DegToRad(90), mgl32.Vec3{0, 1, 0})
	rec.Actor.SetPose(mgl32.Vec3{1, 2, 3}, rot)

	state := c.Sync()
	is.Equal(state.PlayerID, uint8(4))
	is.Equal(state.Position, mgl32.Vec3{1, 2, 3})
	is.Equal(state.Rotation, rot)
	is.Equal(rec.State, state)
	is.Equal(c.Pose().Position, mgl32.Vec3{1, 2, 3})
}

type countingPeer struct {
	peer.Lifecycle
	ticks, frames int
	stopAfter     int
}

func (p *countingPeer) Start() error { return p.Begin() }
func (p *countingPeer) ReadMessages() {
	if p.ticks == p.stopAfter {
		p.End()
	}
}
func (p *countingPeer) FixedUpdate()    { p.ticks++ }
func (p *countingPeer) Update()         { p.frames++ }
func (p *countingPeer) Shutdown() error { p.End(); return nil }

func TestRunStopsWithPeer(t *testing.T) {
	is := is.New(t)

	p := &countingPeer{stopAfter: 3}
	is.True(errors.Is(peer.Run(context.Background(), p, time.Millisecond, time.Millisecond), peer.ErrNotRunning))

	is.NoErr(p.Start())
	is.NoErr(peer.Run(context.Background(), p, time.Millisecond, time.Millisecond))
	is.Equal(p.ticks, 3)
	is.True(!p.Running())
}

func TestRunStopsWithContext(t *testing.T) {
	is := is.New(t)

	p := &countingPeer{stopAfter: -1}
	is.NoErr(p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	is.NoErr(peer.Run(ctx, p, time.Millisecond, time.Millisecond))
	is.True(p.Running())
}
