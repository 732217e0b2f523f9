// Package host implements the authoritative peer: it owns the player table,
// assigns identities, settles kills and broadcasts the world every tick.
package host

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/fragnet/internal/debug"
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/registry"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var ErrCapacityExceeded = errors.New("capacity exceeded")

const DefaultMaxPlayers = 16

// ListenFunc binds the transport; Start calls it.
type ListenFunc func() (transport.Server, error)

type Options struct {
	MaxPlayers int
	LevelName  string
	// StatsResync is how often every player's kills and deaths are
	// rebroadcast; zero disables it.
	StatsResync time.Duration
	// Preferences of the local player.
	Preferences protocol.PlayerPreferences

	Spawner  game.Spawner
	Observer game.Observer
	Sink     game.StatusSink
	Clock    peer.Clock
}

type Host struct {
	peer.Lifecycle

	listen ListenFunc
	server transport.Server
	opts   Options
	logger *log.Logger

	players   *registry.Registry
	local     *peer.LocalController
	conns     map[transport.ConnID]uint8
	lastStats time.Duration
}

var _ peer.Peer = (*Host)(nil)

func New(listen ListenFunc, opts Options, logger *log.Logger) *Host {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	debug.Assertf(opts.MaxPlayers <= protocol.MaxListLen, "max players %d does not fit a list", opts.MaxPlayers)
	if opts.Clock == nil {
		opts.Clock = peer.NewClock()
	}

	return &Host{
		listen:  listen,
		opts:    opts,
		logger:  peer.Silenced(logger),
		players: registry.New(opts.MaxPlayers),
		conns:   make(map[transport.ConnID]uint8),
	}
}

// Start binds the transport and registers the local player, which is
// always connected before anyone else.
func (h *Host) Start() error {
	if err := h.Begin(); err != nil {
		return err
	}

	server, err := h.listen()
	if err != nil {
		h.End()
		return fmt.Errorf("could not listen: %w", err)
	}
	h.server = server

	id, ok := h.players.FreeID()
	debug.Assert(ok, "fresh registry has no free id")

	rec := registry.NewRecord(id, h.opts.Preferences)
	h.local = peer.NewLocalController(rec)
	h.spawn(rec)
	if err := h.players.Insert(rec); err != nil {
		return fmt.Errorf("could not register local player: %w", err)
	}
	h.observe(game.PlayerJoined{PlayerID: id, Name: rec.Preferences.Name, Color: rec.Preferences.Color, Local: true})

	h.logger.Info().
		Uint8("player", id).
		Int("max_players", h.opts.MaxPlayers).
		Str("level", h.opts.LevelName).
		Msg("host started")

	return nil
}

// Players exposes the authoritative table. It must only be used from the
// tick goroutine.
func (h *Host) Players() *registry.Registry {
	return h.players
}

// LocalID is the id of the host's own player.
func (h *Host) LocalID() uint8 {
	return h.local.ID()
}

func (h *Host) ReadMessages() {
	if !h.Running() {
		return
	}

	for i := 0; i < peer.MaxMessagesPerTick; i++ {
		ev, ok := h.server.Poll()
		if !ok {
			return
		}

		switch ev.Kind {
		case transport.EventConnect:
			prefs := protocol.PlayerPreferences{}
			if err := prefs.UnmarshalBinary(ev.Hail); err != nil {
				h.logger.Warn().
					Uint64("conn", uint64(ev.Conn)).
					Msgf("could not unmarshal hail: %v", err)
			}
			if _, err := h.handleConnect(ev.Conn, prefs); err != nil {
				h.logger.Warn().
					Uint64("conn", uint64(ev.Conn)).
					Msgf("could not accept player: %v", err)
				if errors.Is(err, ErrCapacityExceeded) {
					if err := h.server.Disconnect(ev.Conn, transport.ReasonServerFull); err != nil {
						h.logger.Error().Msgf("could not reject player: %v", err)
					}
				}
			}

		case transport.EventDisconnect:
			h.handleDisconnect(ev.Conn, ev.Reason)

		case transport.EventData:
			h.handleData(ev.Conn, ev.Data)
		}
	}
}

func (h *Host) handleData(conn transport.ConnID, data []byte) {
	id, ok := h.conns[conn]
	if !ok {
		h.logger.Debug().
			Uint64("conn", uint64(conn)).
			Msg("data from unregistered connection")
		return
	}

	packet, err := protocol.Decode(data)
	if err != nil {
		h.logger.Warn().
			Uint8("player", id).
			Msgf("could not decode packet: %v", err)
		return
	}

	switch p := packet.(type) {
	case *protocol.PlayerState:
		h.handleState(id, p)
	case *protocol.PlayerKill:
		h.handleKill(*p)
	case *protocol.PlayerShoot:
		h.handleShoot(id, *p)
	default:
		h.logger.Warn().
			Uint8("player", id).
			Str("type", packet.Type().String()).
			Msg("unexpected packet")
	}
}

// handleConnect registers a new session. Transports only report a second
// connect on a known conn for a new session from the same address, so the
// old session is gone.
func (h *Host) handleConnect(conn transport.ConnID, prefs protocol.PlayerPreferences) (uint8, error) {
	if _, ok := h.conns[conn]; ok {
		h.handleDisconnect(conn, transport.ReasonReplaced)
	}

	id, ok := h.players.FreeID()
	if !ok {
		return 0, fmt.Errorf("%w: %d players", ErrCapacityExceeded, h.players.Len())
	}

	rec := registry.NewRecord(id, prefs)
	rec.Conn = conn
	if err := h.players.Insert(rec); err != nil {
		return 0, err
	}
	h.conns[conn] = id
	h.spawn(rec)

	connected, err := peer.Encode(&protocol.Connected{
		PlayerID:    id,
		MaxPlayers:  uint8(h.opts.MaxPlayers),
		LevelName:   h.opts.LevelName,
		Players:     h.players.Preferences(),
		PlayersInfo: h.players.ExtraInfo(),
	})
	if err == nil {
		err = connected.SendTo(h.server, conn)
	}
	if err != nil {
		h.logger.Error().
			Uint8("player", id).
			Msgf("could not send connected: %v", err)
	}

	if err := h.broadcast(&protocol.PlayerConnected{PlayerID: id}, conn); err != nil {
		h.logger.Error().
			Uint8("player", id).
			Msgf("could not broadcast player connected: %v", err)
	}

	h.observe(game.PlayerJoined{PlayerID: id, Name: rec.Preferences.Name, Color: rec.Preferences.Color})
	h.logger.Info().
		Uint8("player", id).
		Str("name", rec.Preferences.Name).
		Uint64("conn", uint64(conn)).
		Msg("player connected")

	return id, nil
}

// handleDisconnect may race with other removal paths, so an unknown conn
// is a no-op.
func (h *Host) handleDisconnect(conn transport.ConnID, reason string) {
	id, ok := h.conns[conn]
	if !ok {
		return
	}
	delete(h.conns, conn)

	rec, ok := h.players.Remove(id)
	if !ok {
		return
	}
	h.despawn(rec)

	if err := h.broadcast(&protocol.PlayerDisconnected{PlayerID: id}, conn); err != nil {
		h.logger.Error().
			Uint8("player", id).
			Msgf("could not broadcast player disconnected: %v", err)
	}

	h.observe(game.PlayerLeft{PlayerID: id})
	h.logger.Info().
		Uint8("player", id).
		Str("reason", reason).
		Msg("player disconnected")
}

// handleState takes a client's own pose. A client only speaks for itself.
func (h *Host) handleState(sender uint8, p *protocol.PlayerState) {
	if p.PlayerID != sender {
		h.logger.Debug().
			Uint8("player", sender).
			Uint8("claimed", p.PlayerID).
			Msg("ignoring state for someone else")
		return
	}
	rec, ok := h.players.Get(sender)
	if !ok {
		return
	}
	rec.State = *p
	if rec.Actor != nil {
		rec.Actor.SetPose(p.Position, p.Rotation)
	}
}

// handleKill settles a kill and reports whether it was applied. Unknown ids
// are stale references and are ignored.
func (h *Host) handleKill(p protocol.PlayerKill) bool {
	killer, ok := h.players.Get(p.KillerID)
	if !ok {
		h.logger.Debug().Msgf("ignoring kill: %v: killer %d", registry.ErrUnknownPlayer, p.KillerID)
		return false
	}
	target, ok := h.players.Get(p.TargetID)
	if !ok {
		h.logger.Debug().Msgf("ignoring kill: %v: target %d", registry.ErrUnknownPlayer, p.TargetID)
		return false
	}

	killer.Info.Kills++
	target.Info.Deaths++

	death := protocol.PlayerDeath{
		PlayerID:     target.ID,
		KillerID:     killer.ID,
		PlayerDeaths: target.Info.Deaths,
		KillerKills:  killer.Info.Kills,
	}
	// everyone, including whoever reported the kill
	if err := h.broadcastAll(&death); err != nil {
		h.logger.Error().Msgf("could not broadcast player death: %v", err)
	}

	if target.Actor != nil {
		target.Actor.Kill()
	}
	h.observe(game.PlayerDied{
		PlayerID:     death.PlayerID,
		KillerID:     death.KillerID,
		PlayerDeaths: death.PlayerDeaths,
		KillerKills:  death.KillerKills,
	})
	h.logger.Info().
		Uint8("player", death.PlayerID).
		Uint8("killer", death.KillerID).
		Msg("player died")

	return true
}

// handleShoot relays a shot to everyone but the shooter.
func (h *Host) handleShoot(sender uint8, p protocol.PlayerShoot) {
	p.PlayerID = sender
	rec, ok := h.players.Get(sender)
	if !ok {
		return
	}
	if err := h.broadcast(&p, rec.Conn); err != nil {
		h.logger.Error().
			Uint8("player", sender).
			Msgf("could not relay shot: %v", err)
	}
	h.observe(game.PlayerShot{PlayerID: sender, From: p.From, To: p.To})
}

// Kill reports that the local player killed target.
func (h *Host) Kill(target uint8) error {
	if !h.Running() {
		return peer.ErrNotRunning
	}
	if !h.handleKill(protocol.PlayerKill{KillerID: h.local.ID(), TargetID: target}) {
		return fmt.Errorf("%w: %d", registry.ErrUnknownPlayer, target)
	}
	return nil
}

// Shoot tells everyone the local player fired.
func (h *Host) Shoot(from, to mgl32.Vec3) error {
	if !h.Running() {
		return peer.ErrNotRunning
	}
	id := h.local.ID()
	h.observe(game.PlayerShot{PlayerID: id, From: from, To: to})
	return h.broadcastAll(&protocol.PlayerShoot{PlayerID: id, From: from, To: to})
}

// FixedUpdate broadcasts the world, every tick, changed or not.
func (h *Host) FixedUpdate() {
	if !h.Running() {
		return
	}

	h.local.Sync()
	now := h.opts.Clock.Now()

	world := protocol.WorldState{ServerTime: now, Players: h.players.Snapshot()}
	if err := h.broadcastAll(&world); err != nil {
		h.logger.Debug().Msgf("could not broadcast world state: %v", err)
	}

	if h.opts.StatsResync > 0 && now-h.lastStats >= h.opts.StatsResync {
		h.lastStats = now
		if err := h.broadcastAll(&protocol.PlayerStats{Players: h.players.ExtraInfo()}); err != nil {
			h.logger.Error().Msgf("could not broadcast player stats: %v", err)
		}
	}
}

// Update publishes diagnostics; it never touches the table.
func (h *Host) Update() {
	if !h.Running() || h.opts.Sink == nil {
		return
	}

	status := game.Status{Role: "Host"}
	h.players.Each(func(rec *registry.Record) {
		status.Players = append(status.Players, game.PlayerPose{
			PlayerID: rec.ID,
			Position: rec.State.Position,
			Rotation: rec.State.Rotation,
		})
	})
	h.opts.Sink.SetStatus(status)
}

// Shutdown closes the transport and despawns everyone. The host cannot be
// started again.
func (h *Host) Shutdown() error {
	if !h.End() {
		return nil
	}

	for _, rec := range h.players.Clear() {
		h.despawn(rec)
	}
	clear(h.conns)

	if err := h.server.Close(); err != nil {
		return fmt.Errorf("could not close transport: %w", err)
	}
	h.logger.Info().Msg("host stopped")
	return nil
}

// broadcast sends p to every remote player except the one on conn.
func (h *Host) broadcast(p protocol.Packet, except transport.ConnID) error {
	return h.fanOut(p, func(rec *registry.Record) bool { return rec.Conn != except })
}

func (h *Host) broadcastAll(p protocol.Packet) error {
	return h.fanOut(p, func(*registry.Record) bool { return true })
}

func (h *Host) fanOut(p protocol.Packet, include func(rec *registry.Record) bool) error {
	out, err := peer.Encode(p)
	if err != nil {
		return err
	}

	var errs error
	h.players.Each(func(rec *registry.Record) {
		if rec.Local || !include(rec) {
			return
		}
		if err := out.SendTo(h.server, rec.Conn); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("player %d: %w", rec.ID, err))
		}
	})
	return errs
}

func (h *Host) spawn(rec *registry.Record) {
	if h.opts.Spawner != nil {
		rec.Actor = h.opts.Spawner.Spawn(rec.ID, rec.Local, rec.Preferences)
	}
}

func (h *Host) despawn(rec *registry.Record) {
	if h.opts.Spawner != nil && rec.Actor != nil {
		h.opts.Spawner.Despawn(rec.ID, rec.Actor)
	}
	rec.Actor = nil
}

func (h *Host) observe(ev game.Event) {
	if h.opts.Observer != nil {
		h.opts.Observer.Observe(ev)
	}
}
