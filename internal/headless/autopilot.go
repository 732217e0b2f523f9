package headless

import (
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/peer"
)

// Autopilot moves a peer's local player with a bot right before every
// simulation tick, standing in for input.
type Autopilot struct {
	peer.Peer

	Bot   Bot
	Clock peer.Clock
	// Local returns the local player's actor, if it has been spawned.
	Local func() (game.Actor, bool)
}

func (a *Autopilot) FixedUpdate() {
	if actor, ok := a.Local(); ok && actor != nil {
		a.Bot.Drive(actor, a.Clock.Now())
	}
	a.Peer.FixedUpdate()
}
