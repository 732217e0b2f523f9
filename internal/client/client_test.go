package client_test

import (
	"errors"
	"testing"
	"time"

	"github.com/blukai/fragnet/internal/client"
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/headless"
	"github.com/blukai/fragnet/internal/host"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/blukai/fragnet/internal/transport/transporttest"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/matryer/is"
)

var testOpts = transport.Options{AppID: "fragnet", Version: "test"}

const (
	hostName = "host"
	hostPort = 14242
)

type world struct {
	is      *is.I
	network *transporttest.Network
	now     time.Duration

	host        *host.Host
	hostSpawner *headless.Spawner
}

func newWorld(t *testing.T, opts host.Options) *world {
	w := &world{
		is:          is.New(t),
		network:     transporttest.NewNetwork(),
		hostSpawner: headless.NewSpawner(),
	}

	opts.Spawner = w.hostSpawner
	opts.Clock = w.clock()
	opts.Preferences = protocol.PlayerPreferences{Name: "host"}
	if opts.LevelName == "" {
		opts.LevelName = "arena"
	}

	w.host = host.New(func() (transport.Server, error) {
		return w.network.Listen("host:14242", testOpts)
	}, opts, nil)
	w.is.NoErr(w.host.Start())

	return w
}

func (w *world) clock() peer.Clock {
	return peer.ClockFunc(func() time.Duration { return w.now })
}

type player struct {
	*client.Client
	spawner  *headless.Spawner
	recorder *headless.Recorder
	loader   *headless.LevelLoader
	status   game.Status
}

func (w *world) newPlayer(name string) *player {
	p := &player{
		spawner:  headless.NewSpawner(),
		recorder: &headless.Recorder{},
		loader:   headless.NewLevelLoader(nil),
	}
	p.Client = client.New(w.network.NewClient(testOpts), client.Options{
		Preferences:        protocol.PlayerPreferences{Name: name},
		InterpolationDelay: 100 * time.Millisecond,
		Spawner:            p.spawner,
		LevelLoader:        p.loader,
		Observer:           p.recorder,
		Sink:               game.StatusSinkFunc(func(s game.Status) { p.status = s }),
		Clock:              w.clock(),
	}, nil)
	p.loader.OnReady(p.LevelLoaded)
	return p
}

// join connects p and steps both sides until p streams its state.
func (w *world) join(name string) *player {
	p := w.newPlayer(name)
	w.is.NoErr(p.Connect(hostName, hostPort))
	w.host.ReadMessages()
	p.ReadMessages() // connected
	p.ReadMessages() // level loaded
	w.is.True(p.Ready())
	return p
}

func (p *player) actor(id uint8) *headless.Actor {
	a, _ := p.spawner.Actor(id)
	return a
}

func lastEvent(p *player) game.Event {
	events := p.recorder.Events()
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func TestConnect(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	p := w.newPlayer("me")
	is.NoErr(p.Connect(hostName, hostPort))
	is.Equal(p.Status(), transport.StatusConnecting)
	is.True(errors.Is(p.Connect(hostName, hostPort), client.ErrAlreadyConnecting))

	w.host.ReadMessages()
	p.ReadMessages()

	is.Equal(p.Status(), transport.StatusConnected)
	id, ok := p.PlayerID()
	is.True(ok)
	is.Equal(id, uint8(1))
	is.Equal(p.loader.Level(), "arena")
	is.True(!p.Ready()) // level load lands next tick

	is.Equal(p.Players().Len(), 2)
	is.Equal(p.spawner.Len(), 2)
	is.True(p.actor(1).Local())
	is.True(!p.actor(0).Local())
	is.Equal(p.actor(0).Preferences().Name, "host")

	is.Equal(p.recorder.Events(), []game.Event{
		game.StatusChanged{Status: "Connecting"},
		game.StatusChanged{Status: "Connected"},
		game.PlayerJoined{PlayerID: 0, Name: "host"},
		game.PlayerJoined{PlayerID: 1, Name: "me", Local: true},
	})

	p.ReadMessages()
	is.True(p.Ready())
	is.True(errors.Is(p.Connect(hostName, hostPort), client.ErrAlreadyConnecting))
}

func TestNothingUpstreamBeforeConnected(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	p := w.newPlayer("me")
	is.True(errors.Is(p.Kill(0), client.ErrNotInitialized))
	is.True(errors.Is(p.Shoot(mgl32.Vec3{}, mgl32.Vec3{1, 0, 0}), client.ErrNotInitialized))

	is.NoErr(p.Start())
	p.FixedUpdate()
	p.Update()
	is.Equal(len(p.recorder.Events()), 0)
}

func TestStateStreamsOnceLevelLoaded(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	p := w.newPlayer("me")
	is.NoErr(p.Connect(hostName, hostPort))
	w.host.ReadMessages()
	p.ReadMessages()

	p.actor(1).SetPose(mgl32.Vec3{1, 2, 3}, mgl32.QuatIdent())
	p.FixedUpdate()
	w.host.ReadMessages()
	rec, _ := w.host.Players().Get(1)
	is.Equal(rec.State.Position, mgl32.Vec3{})

	p.ReadMessages()
	p.FixedUpdate()
	w.host.ReadMessages()
	rec, _ = w.host.Players().Get(1)
	is.Equal(rec.State.Position, mgl32.Vec3{1, 2, 3})

	hostSide, _ := w.hostSpawner.Actor(1)
	pos, _ := hostSide.Pose()
	is.Equal(pos, mgl32.Vec3{1, 2, 3})
}

func TestInterpolatesRemotePlayers(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	p := w.join("me")
	hostActor, _ := w.hostSpawner.Actor(0)
	up := mgl32.Vec3{0, 1, 0}

	w.now = 0
	hostActor.SetPose(mgl32.Vec3{}, mgl32.QuatIdent())
	w.host.FixedUpdate()
	p.ReadMessages()

	w.now = 100 * time.Millisecond
	hostActor.SetPose(mgl32.Vec3{10, 0, 0}, mgl32.QuatRotate(mgl32.DegToRad(90), up))
	w.host.FixedUpdate()
	p.ReadMessages()

	// render time is 50ms: halfway
	w.now = 150 * time.Millisecond
	p.Update()

	pos, rot := p.actor(0).Pose()
	is.True(pos.ApproxEqualThreshold(mgl32.Vec3{5, 0, 0}, 1e-4))
	is.True(rot.ApproxEqualThreshold(mgl32.QuatRotate(mgl32.DegToRad(45), up), 1e-4))

	is.Equal(p.status.Role, "Client")
	is.Equal(p.status.InterpolationDelay, 100*time.Millisecond)
	is.True(len(p.status.Players) >= 2)

	// past the newest snapshot the pose is held
	w.now = time.Second
	p.FixedUpdate()
	p.Update()
	pos, _ = p.actor(0).Pose()
	is.True(pos.ApproxEqualThreshold(mgl32.Vec3{10, 0, 0}, 1e-4))

	// the local player is never driven by snapshots
	p.actor(1).SetPose(mgl32.Vec3{-1, 0, 0}, mgl32.QuatIdent())
	p.Update()
	pos, _ = p.actor(1).Pose()
	is.Equal(pos, mgl32.Vec3{-1, 0, 0})
}

func TestKill(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	one := w.join("one")
	two := w.join("two")
	one.ReadMessages()

	// later joiners are known by id
	is.Equal(one.Players().Len(), 3)
	is.True(one.actor(2) != nil)

	is.NoErr(one.Kill(2))
	w.host.ReadMessages()
	one.ReadMessages()
	two.ReadMessages()

	want := game.PlayerDied{PlayerID: 2, KillerID: 1, PlayerDeaths: 1, KillerKills: 1}
	is.Equal(lastEvent(one), want)
	is.Equal(lastEvent(two), want)
	is.Equal(two.actor(2).Deaths(), 1)
	is.Equal(one.actor(2).Deaths(), 1)

	for _, p := range []*player{one, two} {
		killer, _ := p.Players().Get(1)
		target, _ := p.Players().Get(2)
		is.Equal(killer.Info.Kills, int16(1))
		is.Equal(target.Info.Deaths, int16(1))
	}
}

func TestShoot(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	one := w.join("one")
	two := w.join("two")

	is.NoErr(one.Shoot(mgl32.Vec3{0, 1, 0}, mgl32.Vec3{0, 1, 9}))
	is.Equal(lastEvent(one), game.PlayerShot{PlayerID: 1, From: mgl32.Vec3{0, 1, 0}, To: mgl32.Vec3{0, 1, 9}})

	w.host.ReadMessages()
	two.ReadMessages()
	is.Equal(lastEvent(two), game.PlayerShot{PlayerID: 1, From: mgl32.Vec3{0, 1, 0}, To: mgl32.Vec3{0, 1, 9}})
}

func TestStatsResync(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4, StatsResync: time.Second})
	is := w.is

	p := w.join("me")
	is.NoErr(w.host.Kill(1))
	p.ReadMessages()

	// drift the mirror out of sync
	rec, _ := p.Players().Get(0)
	rec.Info.Kills = 42

	w.now = time.Second
	w.host.FixedUpdate()
	p.ReadMessages()

	rec, _ = p.Players().Get(0)
	is.Equal(rec.Info, protocol.PlayerExtraInfo{PlayerID: 0, Kills: 1})
	rec, _ = p.Players().Get(1)
	is.Equal(rec.Info, protocol.PlayerExtraInfo{PlayerID: 1, Deaths: 1})
}

func TestPlayerLeaves(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	one := w.join("one")
	two := w.join("two")
	one.ReadMessages()

	is.NoErr(two.Shutdown())
	is.True(!two.Running())
	is.Equal(two.spawner.Len(), 0)

	w.host.ReadMessages()
	one.ReadMessages()

	_, ok := one.Players().Get(2)
	is.True(!ok)
	is.True(one.actor(2) == nil)
	is.Equal(lastEvent(one), game.PlayerLeft{PlayerID: 2})
}

func TestHostGoesAway(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	p := w.join("me")
	is.NoErr(w.host.Shutdown())
	p.ReadMessages()

	is.True(!p.Running())
	is.Equal(p.Status(), transport.StatusDisconnected)
	is.Equal(p.spawner.Len(), 0)
	is.Equal(p.Players().Len(), 0)
	_, ok := p.PlayerID()
	is.True(!ok)
	is.Equal(lastEvent(p), game.StatusChanged{Status: "Disconnected", Reason: transport.ReasonShutdown})

	// no reconnect in place
	is.True(errors.Is(p.Connect(hostName, hostPort), peer.ErrNotRunning))
	is.True(errors.Is(p.Kill(0), client.ErrNotInitialized))
}

func TestNobodyListening(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 4})
	is := w.is

	p := w.newPlayer("me")
	is.NoErr(p.Connect("elsewhere", hostPort))
	p.ReadMessages()

	is.True(!p.Running())
	is.Equal(lastEvent(p), game.StatusChanged{Status: "Disconnected", Reason: transport.ReasonTimedOut})
}

func TestServerFull(t *testing.T) {
	w := newWorld(t, host.Options{MaxPlayers: 2})
	is := w.is

	w.join("one")

	p := w.newPlayer("two")
	is.NoErr(p.Connect(hostName, hostPort))
	w.host.ReadMessages()
	p.ReadMessages()

	is.True(!p.Running())
	is.Equal(lastEvent(p), game.StatusChanged{Status: "Disconnected", Reason: transport.ReasonServerFull})
	is.Equal(w.host.Players().Len(), 2)
}
