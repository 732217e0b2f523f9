// Package headless implements the game collaborators without any rendering,
// for servers, bots and tests.
package headless

import (
	"math"
	"sync"
	"time"

	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/phuslu/log"
)

type Actor struct {
	mu       sync.Mutex
	id       uint8
	local    bool
	prefs    protocol.PlayerPreferences
	position mgl32.Vec3
	rotation mgl32.Quat
	deaths   int
}

var _ game.Actor = (*Actor)(nil)

func (a *Actor) ID() uint8 {
	return a.id
}

func (a *Actor) Local() bool {
	return a.local
}

func (a *Actor) Preferences() protocol.PlayerPreferences {
	return a.prefs
}

func (a *Actor) Pose() (mgl32.Vec3, mgl32.Quat) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position, a.rotation
}

func (a *Actor) SetPose(position mgl32.Vec3, rotation mgl32.Quat) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position, a.rotation = position, rotation
}

func (a *Actor) Kill() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deaths++
}

// Deaths counts how many times death was presented.
func (a *Actor) Deaths() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deaths
}

// Spawner keeps spawned actors by id.
type Spawner struct {
	mu     sync.Mutex
	actors map[uint8]*Actor
}

var _ game.Spawner = (*Spawner)(nil)

func NewSpawner() *Spawner {
	return &Spawner{actors: make(map[uint8]*Actor)}
}

func (s *Spawner) Spawn(id uint8, local bool, prefs protocol.PlayerPreferences) game.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Actor{id: id, local: local, prefs: prefs, rotation: mgl32.QuatIdent()}
	s.actors[id] = a
	return a
}

func (s *Spawner) Despawn(id uint8, actor game.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.actors[id] == actor {
		delete(s.actors, id)
	}
}

func (s *Spawner) Actor(id uint8) (*Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	return a, ok
}

func (s *Spawner) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// LevelLoader loads every level instantly and reports it through ready.
type LevelLoader struct {
	mu    sync.Mutex
	level string
	ready func(name string)
}

var _ game.LevelLoader = (*LevelLoader)(nil)

func NewLevelLoader(ready func(name string)) *LevelLoader {
	return &LevelLoader{ready: ready}
}

// OnReady replaces the readiness callback; useful when the loader has to
// exist before whatever it reports to.
func (l *LevelLoader) OnReady(ready func(name string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = ready
}

func (l *LevelLoader) ChangeLevel(name string) {
	l.mu.Lock()
	l.level = name
	ready := l.ready
	l.mu.Unlock()

	if ready != nil {
		ready(name)
	}
}

func (l *LevelLoader) Level() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Bot walks an actor around a circle in the xz plane, facing where it goes.
type Bot struct {
	Center mgl32.Vec3
	Radius float32
	// Period is how long one lap takes.
	Period time.Duration
	// Phase offsets the starting angle, in radians.
	Phase float32
}

// Pose returns the bot's pose at t.
func (b Bot) Pose(t time.Duration) (mgl32.Vec3, mgl32.Quat) {
	angle := b.Phase
	if b.Period > 0 {
		angle += float32(2 * math.Pi * float64(t%b.Period) / float64(b.Period))
	}

	sin, cos := math.Sincos(float64(angle))
	position := b.Center.Add(mgl32.Vec3{float32(cos) * b.Radius, 0, float32(sin) * b.Radius})
	// tangent of a counter-clockwise walk
	rotation := mgl32.QuatRotate(-angle, mgl32.Vec3{0, 1, 0})

	return position, rotation
}

// Drive moves actor to the bot's pose at t.
func (b Bot) Drive(actor game.Actor, t time.Duration) {
	actor.SetPose(b.Pose(t))
}

// Recorder keeps every observed event.
type Recorder struct {
	mu     sync.Mutex
	events []game.Event
}

var _ game.Observer = (*Recorder)(nil)

func (r *Recorder) Observe(ev game.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []game.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]game.Event(nil), r.events...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// LogObserver writes events to logger.
func LogObserver(logger *log.Logger) game.Observer {
	return game.ObserverFunc(func(ev game.Event) {
		switch ev := ev.(type) {
		case game.PlayerJoined:
			logger.Info().
				Uint8("player", ev.PlayerID).
				Str("name", ev.Name).
				Bool("local", ev.Local).
				Msg("player joined")
		case game.PlayerLeft:
			logger.Info().
				Uint8("player", ev.PlayerID).
				Msg("player left")
		case game.PlayerDied:
			logger.Info().
				Uint8("player", ev.PlayerID).
				Uint8("killer", ev.KillerID).
				Int("deaths", int(ev.PlayerDeaths)).
				Int("kills", int(ev.KillerKills)).
				Msg("player died")
		case game.PlayerShot:
			logger.Debug().
				Uint8("player", ev.PlayerID).
				Msg("player shot")
		case game.StatusChanged:
			logger.Info().Msg(ev.String())
		default:
			logger.Debug().Str("kind", ev.Kind()).Msg("event")
		}
	})
}
