// Package tick holds the frame and player-handle identifiers shared by the
// rollback scheduler, the peer session and the desync detector.
package tick

import "fmt"

// Frame counts simulation steps. The first step simulates frame 0.
type Frame int64

// NullFrame marks the absence of a frame.
const NullFrame Frame = -1

// IsNull reports whether f carries no frame.
func (f Frame) IsNull() bool {
	return f < 0
}

// Min returns the smaller of two frames, treating NullFrame as absent.
func Min(a, b Frame) Frame {
	if a.IsNull() {
		return b
	}
	if b.IsNull() {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// PlayerHandle identifies a player slot, 0..N-1, for the lifetime of a session.
type PlayerHandle int

// Valid reports whether h addresses a slot in a session of n players.
func (h PlayerHandle) Valid(n int) bool {
	return h >= 0 && int(h) < n
}

func (h PlayerHandle) String() string {
	return fmt.Sprintf("p%d", int(h))
}
