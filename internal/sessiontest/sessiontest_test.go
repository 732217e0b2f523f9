package sessiontest_test

import (
	"context"
	"testing"
	"time"

	"github.com/blukai/fragnet/internal/client"
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/headless"
	"github.com/blukai/fragnet/internal/host"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/blukai/fragnet/internal/transport/udptransport"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/matryer/is"
)

var opts = udptransport.Options{
	Options:      transport.Options{AppID: "fragnet", Version: "test", Timeout: 5 * time.Second},
	TickInterval: 5 * time.Millisecond,
	ConnectRetry: 20 * time.Millisecond,
}

type player struct {
	*client.Client
	spawner  *headless.Spawner
	recorder *headless.Recorder
}

// step ticks every peer until cond holds or a couple of seconds pass.
func step(t *testing.T, peers []peer.Peer, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range peers {
			p.ReadMessages()
			p.FixedUpdate()
			p.Update()
		}
		if cond() {
			return
		}
		// NOTE(blukai): need to sleep for a bit because send/recv is "async"
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTwoPlayers(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// setup host

	var server *udptransport.Server
	hostSpawner := headless.NewSpawner()
	h := host.New(func() (transport.Server, error) {
		s, err := udptransport.NewServer("udp4", ":0", opts, nil)
		if err != nil {
			return nil, err
		}
		go s.Run(ctx)
		server = s
		return s, nil
	}, host.Options{
		MaxPlayers:  4,
		LevelName:   "arena",
		StatsResync: 100 * time.Millisecond,
		Preferences: protocol.PlayerPreferences{Name: "host"},
		Spawner:     hostSpawner,
	}, nil)
	is.NoErr(h.Start())
	defer h.Shutdown()

	// setup players

	newPlayer := func(name string) *player {
		tr, err := udptransport.NewClient("udp4", opts, nil)
		is.NoErr(err)
		go tr.Run(ctx)

		p := &player{spawner: headless.NewSpawner(), recorder: &headless.Recorder{}}
		loader := headless.NewLevelLoader(nil)
		p.Client = client.New(tr, client.Options{
			Preferences:        protocol.PlayerPreferences{Name: name},
			InterpolationDelay: 50 * time.Millisecond,
			Spawner:            p.spawner,
			LevelLoader:        loader,
			Observer:           p.recorder,
		}, nil)
		loader.OnReady(p.LevelLoaded)
		is.NoErr(p.Connect("127.0.0.1", server.Addr().Port))
		return p
	}

	one := newPlayer("one")
	two := newPlayer("two")
	defer one.Shutdown()
	defer two.Shutdown()

	peers := []peer.Peer{h, one, two}

	// join both

	t.Log("join")
	step(t, peers, func() bool {
		return one.Ready() && two.Ready() && one.Players().Len() == 3 && two.Players().Len() == 3
	})

	oneID, _ := one.PlayerID()
	twoID, _ := two.PlayerID()
	is.True(oneID != twoID)

	// move player one, player two sees it

	t.Log("move player one")
	target := mgl32.Vec3{24, 0, 13}
	localOne, _ := one.spawner.Actor(oneID)
	localOne.SetPose(target, mgl32.QuatIdent())
	step(t, peers, func() bool {
		remoteOne, ok := two.spawner.Actor(oneID)
		if !ok {
			return false
		}
		pos, _ := remoteOne.Pose()
		return pos.ApproxEqualThreshold(target, 1e-3)
	})

	// player one kills player two

	t.Log("kill")
	is.NoErr(one.Kill(twoID))
	step(t, peers, func() bool {
		for _, ev := range two.recorder.Events() {
			if died, ok := ev.(game.PlayerDied); ok && died.PlayerID == twoID {
				return true
			}
		}
		return false
	})

	killer, _ := h.Players().Get(oneID)
	victim, _ := h.Players().Get(twoID)
	is.Equal(killer.Info.Kills, int16(1))
	is.Equal(victim.Info.Deaths, int16(1))

	// player two leaves

	t.Log("leave")
	is.NoErr(two.Shutdown())
	step(t, peers[:2], func() bool {
		_, ok := one.Players().Get(twoID)
		return !ok && h.Players().Len() == 2
	})
}
