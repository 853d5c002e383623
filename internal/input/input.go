// Package input converts raw control state into the fixed-width Input bitmask
// exchanged between peers and stored in the frame history.
package input

import "strings"

// Input is one player's discrete control state for a single frame.
type Input uint8

const (
	Jump Input = 1 << iota
	Left
	Right
	Strike
)

// Size is the encoded width of an Input in bytes.
const Size = 1

var bitNames = []struct {
	bit  Input
	name string
}{
	{Jump, "jump"},
	{Left, "left"},
	{Right, "right"},
	{Strike, "strike"},
}

// Has reports whether every bit in mask is set.
func (in Input) Has(mask Input) bool {
	return in&mask == mask && mask != 0
}

// Diff returns the bits that differ between two inputs.
func (in Input) Diff(other Input) Input {
	return in ^ other
}

func (in Input) String() string {
	if in == 0 {
		return "none"
	}
	parts := make([]string, 0, len(bitNames))
	for _, entry := range bitNames {
		if in&entry.bit != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, "+")
}
