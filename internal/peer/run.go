package peer

import (
	"context"
	"time"
)

// Run drives p until ctx is done or p stops running. Simulation ticks and
// render steps share one goroutine, so p is never entered concurrently.
func Run(ctx context.Context, p Peer, tick, frame time.Duration) error {
	if !p.Running() {
		return ErrNotRunning
	}

	tickTicker := time.NewTicker(tick)
	defer tickTicker.Stop()
	frameTicker := time.NewTicker(frame)
	defer frameTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tickTicker.C:
			p.ReadMessages()
			if !p.Running() {
				return nil
			}
			p.FixedUpdate()
		case <-frameTicker.C:
			p.Update()
		}
	}
}
