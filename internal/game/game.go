// Package game holds the contracts between the networking core and the
// outside world: whatever renders players, loads levels and shows events.
package game

import (
	"fmt"
	"image/color"
	"math"
	"strings"
	"time"

	"github.com/blukai/fragnet/internal/protocol"
	"github.com/go-gl/mathgl/mgl32"
)

// Actor is the locally instantiated representation of a player.
type Actor interface {
	Pose() (mgl32.Vec3, mgl32.Quat)
	SetPose(position mgl32.Vec3, rotation mgl32.Quat)
	// Kill triggers death presentation.
	Kill()
}

type Spawner interface {
	Spawn(id uint8, local bool, prefs protocol.PlayerPreferences) Actor
	Despawn(id uint8, actor Actor)
}

// LevelLoader starts loading a level. Completion is reported back to the
// client separately.
type LevelLoader interface {
	ChangeLevel(name string)
}

type Event interface {
	Kind() string
}

type PlayerJoined struct {
	PlayerID uint8
	Name     string
	Color    color.RGBA
	Local    bool
}

type PlayerLeft struct {
	PlayerID uint8
}

type PlayerDied struct {
	PlayerID     uint8
	KillerID     uint8
	PlayerDeaths int16
	KillerKills  int16
}

type PlayerShot struct {
	PlayerID uint8
	From     mgl32.Vec3
	To       mgl32.Vec3
}

// StatusChanged surfaces connection status, e.g. "Disconnected: timed out".
type StatusChanged struct {
	Status string
	Reason string
}

func (PlayerJoined) Kind() string  { return "player_joined" }
func (PlayerLeft) Kind() string    { return "player_left" }
func (PlayerDied) Kind() string    { return "player_died" }
func (PlayerShot) Kind() string    { return "player_shot" }
func (StatusChanged) Kind() string { return "status_changed" }

func (e StatusChanged) String() string {
	if e.Reason == "" {
		return e.Status
	}
	return e.Status + ": " + e.Reason
}

type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) Observe(ev Event) {
	for _, observer := range o {
		observer.Observe(ev)
	}
}

type PlayerPose struct {
	PlayerID uint8
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

// Status is the diagnostic readout of a peer.
type Status struct {
	Role               string
	RTT                time.Duration
	InterpolationDelay time.Duration
	Players            []PlayerPose
}

func (s Status) String() string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "%s\n", s.Role)
	fmt.Fprintf(&sb, "Lag: %d ms\n", s.RTT.Milliseconds())
	if s.InterpolationDelay > 0 {
		fmt.Fprintf(&sb, "Interp: %d ms\n", s.InterpolationDelay.Milliseconds())
	}
	for _, p := range s.Players {
		yaw, pitch, roll := eulerDegrees(p.Rotation)
		fmt.Fprintf(&sb, "#%d Pos: (%.2f, %.2f, %.2f) Rot: (%.1f, %.1f, %.1f)\n",
			p.PlayerID, p.Position[0], p.Position[1], p.Position[2], pitch, yaw, roll)
	}
	return sb.String()
}

type StatusSink interface {
	SetStatus(Status)
}

type StatusSinkFunc func(Status)

func (f StatusSinkFunc) SetStatus(s Status) { f(s) }

// eulerDegrees decomposes q in Y-X-Z order (y up).
func eulerDegrees(q mgl32.Quat) (yaw, pitch, roll float32) {
	w, x, y, z := float64(q.W), float64(q.V[0]), float64(q.V[1]), float64(q.V[2])

	yaw = float32(math.Atan2(2*(w*y+x*z), 1-2*(x*x+y*y)))
	pitch = float32(math.Asin(math.Max(-1, math.Min(1, 2*(w*x-y*z)))))
	roll = float32(math.Atan2(2*(w*z+x*y), 1-2*(x*x+z*z)))

	return mgl32.RadToDeg(yaw), mgl32.RadToDeg(pitch), mgl32.RadToDeg(roll)
}
