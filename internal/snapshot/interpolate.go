package snapshot

import (
	"github.com/blukai/fragnet/internal/protocol"
	"github.com/go-gl/mathgl/mgl32"
)

// Interpolate blends two poses of the same player: position linearly,
// rotation spherically along the shorter arc.
func Interpolate(a, b *protocol.PlayerState, ratio float32) protocol.PlayerState {
	return protocol.PlayerState{
		PlayerID: a.PlayerID,
		Position: Lerp(a.Position, b.Position, ratio),
		Rotation: Slerp(a.Rotation, b.Rotation, ratio),
	}
}

func Lerp(a, b mgl32.Vec3, t float32) mgl32.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

func Slerp(a, b mgl32.Quat, t float32) mgl32.Quat {
	// q and -q are the same rotation; QuatSlerp would take the long way
	// around for a negative dot product.
	if a.Dot(b) < 0 {
		b = b.Scale(-1)
	}
	return mgl32.QuatSlerp(a, b, t)
}
