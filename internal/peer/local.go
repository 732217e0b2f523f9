package peer

import (
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/registry"
)

// LocalController drives the record of the player this process controls.
// Host and Client run it the same way.
type LocalController struct {
	record *registry.Record
}

func NewLocalController(rec *registry.Record) *LocalController {
	rec.Local = true
	return &LocalController{record: rec}
}

func (c *LocalController) ID() uint8 {
	return c.record.ID
}

func (c *LocalController) Record() *registry.Record {
	return c.record
}

// Sync copies the actor's pose into the record and returns the state to
// replicate.
func (c *LocalController) Sync() protocol.PlayerState {
	if c.record.Actor != nil {
		c.record.State.Position, c.record.State.Rotation = c.record.Actor.Pose()
	}
	c.record.State.PlayerID = c.record.ID
	return c.record.State
}

// Pose reports the local player's pose for the diagnostic surface.
func (c *LocalController) Pose() game.PlayerPose {
	return game.PlayerPose{
		PlayerID: c.record.ID,
		Position: c.record.State.Position,
		Rotation: c.record.State.Rotation,
	}
}
