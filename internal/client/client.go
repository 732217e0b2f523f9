// Package client implements the remote peer: it mirrors the host's player
// table, buffers world states and plays them back slightly in the past so
// remote players move smoothly.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/ptr"
	"github.com/blukai/fragnet/internal/registry"
	"github.com/blukai/fragnet/internal/snapshot"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/phuslu/log"
)

var (
	ErrAlreadyConnecting = errors.New("already connecting")
	// ErrNotInitialized is returned when sending before the host assigned
	// this client a player id.
	ErrNotInitialized = errors.New("not initialized")
)

const DefaultInterpolationDelay = 100 * time.Millisecond

type Options struct {
	// Preferences of the local player, sent with the connect request.
	Preferences        protocol.PlayerPreferences
	InterpolationDelay time.Duration
	// BufferLimit caps buffered world states.
	BufferLimit int

	Spawner     game.Spawner
	LevelLoader game.LevelLoader
	Observer    game.Observer
	Sink        game.StatusSink
	Clock       peer.Clock
}

type Client struct {
	peer.Lifecycle

	transport transport.Client
	opts      Options
	logger    *log.Logger

	status    transport.Status
	attempted bool
	closed    bool

	// set by Connected; nil until then
	playerID *uint8
	players  *registry.Registry
	local    *peer.LocalController
	buffer   *snapshot.Buffer

	level      string
	levelReady bool

	loadedMu sync.Mutex
	loaded   []string
}

var _ peer.Peer = (*Client)(nil)

func New(tr transport.Client, opts Options, logger *log.Logger) *Client {
	if opts.InterpolationDelay < 0 {
		opts.InterpolationDelay = 0
	} else if opts.InterpolationDelay == 0 {
		opts.InterpolationDelay = DefaultInterpolationDelay
	}
	if opts.Clock == nil {
		opts.Clock = peer.NewClock()
	}

	return &Client{
		transport: tr,
		opts:      opts,
		logger:    peer.Silenced(logger),
		players:   registry.New(0),
		buffer:    snapshot.NewBuffer(opts.BufferLimit),
	}
}

func (c *Client) Start() error {
	return c.Begin()
}

// Connect begins the one connection attempt this client gets. A client that
// was not started yet is started.
func (c *Client) Connect(host string, port int) error {
	if c.State() == peer.StateIdle {
		if err := c.Start(); err != nil {
			return err
		}
	}
	if !c.Running() {
		return peer.ErrNotRunning
	}
	if c.attempted {
		return fmt.Errorf("%w (%s)", ErrAlreadyConnecting, c.status)
	}

	hail, err := c.opts.Preferences.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal preferences: %w", err)
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	if err := c.transport.Connect(address, hail); err != nil {
		return fmt.Errorf("could not connect to %s: %w", address, err)
	}
	c.attempted = true
	c.status = transport.StatusConnecting

	c.logger.Info().Str("addr", address).Msg("connecting")
	return nil
}

// LevelLoaded reports that the level loader finished. It is safe to call
// from any goroutine; it takes effect at the next ReadMessages.
func (c *Client) LevelLoaded(name string) {
	c.loadedMu.Lock()
	defer c.loadedMu.Unlock()
	c.loaded = append(c.loaded, name)
}

func (c *Client) Status() transport.Status {
	return c.status
}

// PlayerID returns the id the host assigned, if any yet.
func (c *Client) PlayerID() (uint8, bool) {
	if c.playerID == nil {
		return 0, false
	}
	return *c.playerID, true
}

// Players exposes the mirrored table. It must only be used from the tick
// goroutine.
func (c *Client) Players() *registry.Registry {
	return c.players
}

// Ready reports whether the client is initialized and its level is loaded,
// i.e. whether it streams its own state.
func (c *Client) Ready() bool {
	return c.playerID != nil && c.levelReady
}

func (c *Client) ReadMessages() {
	if !c.Running() {
		return
	}

	c.applyLoaded()

	for i := 0; i < peer.MaxMessagesPerTick; i++ {
		ev, ok := c.transport.Poll()
		if !ok {
			return
		}

		switch ev.Kind {
		case transport.EventStatus:
			c.handleStatus(ev.Status, ev.Reason)
			if !c.Running() {
				return
			}
		case transport.EventData:
			c.handleData(ev.Data)
		}
	}
}

func (c *Client) applyLoaded() {
	c.loadedMu.Lock()
	loaded := c.loaded
	c.loaded = nil
	c.loadedMu.Unlock()

	for _, name := range loaded {
		if c.playerID == nil || name != c.level {
			c.logger.Debug().Str("level", name).Msg("ignoring stale level load")
			continue
		}
		c.levelReady = true
		c.logger.Info().Str("level", name).Msg("level loaded")
	}
}

func (c *Client) handleStatus(status transport.Status, reason string) {
	c.status = status
	c.observe(game.StatusChanged{Status: status.String(), Reason: reason})

	if status != transport.StatusDisconnected {
		c.logger.Info().Str("status", status.String()).Msg("status changed")
		return
	}

	c.logger.Info().Str("reason", reason).Msg("disconnected")
	c.teardown()
	c.End()
}

func (c *Client) handleData(data []byte) {
	packet, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn().Msgf("could not decode packet: %v", err)
		return
	}

	if _, ok := packet.(*protocol.Connected); !ok && c.playerID == nil {
		c.logger.Debug().
			Str("type", packet.Type().String()).
			Msg("ignoring packet before connected")
		return
	}

	switch p := packet.(type) {
	case *protocol.Connected:
		c.handleConnected(p)
	case *protocol.PlayerConnected:
		c.handlePlayerConnected(p.PlayerID)
	case *protocol.PlayerDisconnected:
		c.handlePlayerDisconnected(p.PlayerID)
	case *protocol.PlayerDeath:
		c.handlePlayerDeath(p)
	case *protocol.PlayerShoot:
		c.observe(game.PlayerShot{PlayerID: p.PlayerID, From: p.From, To: p.To})
	case *protocol.PlayerStats:
		for _, info := range p.Players {
			if rec, ok := c.players.Get(info.PlayerID); ok {
				rec.Info = info
			}
		}
	case *protocol.WorldState:
		c.buffer.Add(snapshot.Timed{
			Arrival:    c.opts.Clock.Now(),
			ServerTime: p.ServerTime,
			Players:    p.Players,
		})
	default:
		c.logger.Warn().
			Str("type", packet.Type().String()).
			Msg("unexpected packet")
	}
}

func (c *Client) handleConnected(p *protocol.Connected) {
	if c.playerID != nil {
		c.logger.Warn().Msg("ignoring repeated connected")
		return
	}

	c.playerID = ptr.To(p.PlayerID)
	c.players = registry.New(int(p.MaxPlayers))

	for _, prefs := range p.Players {
		rec := registry.NewRecord(prefs.PlayerID, prefs)
		if prefs.PlayerID == p.PlayerID {
			c.local = peer.NewLocalController(rec)
		}
		if err := c.players.Insert(rec); err != nil {
			c.logger.Warn().Msgf("could not register player: %v", err)
		}
	}
	for _, info := range p.PlayersInfo {
		if rec, ok := c.players.Get(info.PlayerID); ok {
			rec.Info = info
		}
	}

	if c.local == nil {
		// the host lists everyone, us included; be lenient anyway
		rec := registry.NewRecord(p.PlayerID, c.opts.Preferences)
		c.local = peer.NewLocalController(rec)
		if err := c.players.Insert(rec); err != nil {
			c.logger.Warn().Msgf("could not register local player: %v", err)
		}
	}

	c.players.Each(func(rec *registry.Record) {
		c.spawn(rec)
		c.observe(game.PlayerJoined{
			PlayerID: rec.ID,
			Name:     rec.Preferences.Name,
			Color:    rec.Preferences.Color,
			Local:    rec.Local,
		})
	})

	c.level = p.LevelName
	c.levelReady = false
	if c.opts.LevelLoader != nil {
		c.opts.LevelLoader.ChangeLevel(p.LevelName)
	} else {
		c.levelReady = true
	}

	c.logger.Info().
		Uint8("player", p.PlayerID).
		Int("players", c.players.Len()).
		Str("level", p.LevelName).
		Msg("connected")
}

func (c *Client) handlePlayerConnected(id uint8) {
	if _, ok := c.players.Get(id); ok {
		return
	}

	// preferences of later joiners are not replicated
	rec := registry.NewRecord(id, protocol.PlayerPreferences{})
	if err := c.players.Insert(rec); err != nil {
		c.logger.Warn().Msgf("could not register player: %v", err)
		return
	}
	c.spawn(rec)
	c.observe(game.PlayerJoined{PlayerID: id})
	c.logger.Info().Uint8("player", id).Msg("player connected")
}

func (c *Client) handlePlayerDisconnected(id uint8) {
	rec, ok := c.players.Remove(id)
	if !ok {
		return
	}
	c.despawn(rec)
	c.observe(game.PlayerLeft{PlayerID: id})
	c.logger.Info().Uint8("player", id).Msg("player disconnected")
}

func (c *Client) handlePlayerDeath(p *protocol.PlayerDeath) {
	if killer, ok := c.players.Get(p.KillerID); ok {
		killer.Info.Kills = p.KillerKills
	}
	target, ok := c.players.Get(p.PlayerID)
	if !ok {
		c.logger.Debug().Msgf("death of %v: %d", registry.ErrUnknownPlayer, p.PlayerID)
		return
	}
	target.Info.Deaths = p.PlayerDeaths
	if target.Actor != nil {
		target.Actor.Kill()
	}

	c.observe(game.PlayerDied{
		PlayerID:     p.PlayerID,
		KillerID:     p.KillerID,
		PlayerDeaths: p.PlayerDeaths,
		KillerKills:  p.KillerKills,
	})
}

// FixedUpdate retires snapshots playback moved past and streams the local
// player's pose once the level is loaded.
func (c *Client) FixedUpdate() {
	if !c.Running() || c.playerID == nil {
		return
	}

	if renderTime, ok := c.buffer.RenderTime(c.opts.Clock.Now(), c.opts.InterpolationDelay); ok {
		c.buffer.Prune(renderTime)
	}

	if !c.levelReady {
		return
	}
	state := c.local.Sync()
	if err := c.send(&state); err != nil {
		c.logger.Debug().Msgf("could not send state: %v", err)
	}
}

// Update moves remote actors to their interpolated poses and publishes
// diagnostics. It only reads the buffer and the table.
func (c *Client) Update() {
	if !c.Running() || c.playerID == nil {
		return
	}

	status := game.Status{
		Role:               "Client",
		RTT:                c.transport.RoundTripTime(),
		InterpolationDelay: c.opts.InterpolationDelay,
	}

	if renderTime, ok := c.buffer.RenderTime(c.opts.Clock.Now(), c.opts.InterpolationDelay); ok {
		if frame, ok := c.buffer.Sample(renderTime); ok {
			for _, state := range frame.Players {
				if state == nil {
					continue
				}
				rec, ok := c.players.Get(state.PlayerID)
				if !ok || rec.Local {
					continue
				}
				if rec.Actor != nil {
					rec.Actor.SetPose(state.Position, state.Rotation)
				}
				status.Players = append(status.Players, game.PlayerPose{
					PlayerID: state.PlayerID,
					Position: state.Position,
					Rotation: state.Rotation,
				})
			}
		}
	}

	if c.local != nil {
		status.Players = append(status.Players, c.local.Pose())
	}

	if c.opts.Sink != nil {
		c.opts.Sink.SetStatus(status)
	}
}

// Kill reports that the local player killed target. The host settles it.
func (c *Client) Kill(target uint8) error {
	if c.playerID == nil {
		return ErrNotInitialized
	}
	return c.send(&protocol.PlayerKill{KillerID: *c.playerID, TargetID: target})
}

// Shoot tells the host the local player fired.
func (c *Client) Shoot(from, to mgl32.Vec3) error {
	if c.playerID == nil {
		return ErrNotInitialized
	}
	c.observe(game.PlayerShot{PlayerID: *c.playerID, From: from, To: to})
	return c.send(&protocol.PlayerShoot{PlayerID: *c.playerID, From: from, To: to})
}

// Shutdown closes the connection and drops every local representation.
func (c *Client) Shutdown() error {
	c.End()
	c.teardown()
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("could not close transport: %w", err)
	}
	c.logger.Info().Msg("client stopped")
	return nil
}

func (c *Client) teardown() {
	for _, rec := range c.players.Clear() {
		c.despawn(rec)
	}
	c.buffer.Reset()
	c.playerID = nil
	c.local = nil
	c.level = ""
	c.levelReady = false
}

func (c *Client) send(p protocol.Packet) error {
	if c.playerID == nil {
		return ErrNotInitialized
	}
	out, err := peer.Encode(p)
	if err != nil {
		return err
	}
	return out.SendUp(c.transport)
}

func (c *Client) spawn(rec *registry.Record) {
	if c.opts.Spawner != nil {
		rec.Actor = c.opts.Spawner.Spawn(rec.ID, rec.Local, rec.Preferences)
	}
}

func (c *Client) despawn(rec *registry.Record) {
	if c.opts.Spawner != nil && rec.Actor != nil {
		c.opts.Spawner.Despawn(rec.ID, rec.Actor)
	}
	rec.Actor = nil
}

func (c *Client) observe(ev game.Event) {
	if c.opts.Observer != nil {
		c.opts.Observer.Observe(ev)
	}
}
