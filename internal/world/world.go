// Package world is the reference simulation step: a two-fighter arena with
// gravity, a floor, walls, jumping and a knockback strike. All arithmetic is
// integer fixed-point in milli-units per tick so every peer computes the same
// bits.
package world

import (
	"fmt"

	"rollback-arena/internal/input"
	"rollback-arena/internal/snapshot"
)

const (
	Gravity        int32 = -14
	MoveSpeed      int32 = 250
	JumpSpeed      int32 = 250
	FighterHalf    int32 = 500
	FloorTop       int32 = -3750
	GroundY              = FloorTop + FighterHalf
	ArenaHalfWidth int32 = 10000 - FighterHalf
	StrikeReach    int32 = 1600
	StrikeCooldown int32 = 20
	KnockbackMin   int32 = 180
	KnockbackMax   int32 = 320
	AirDrag        int32 = 8
)

// Fighter is the rollback-relevant state of one player-controlled body.
type Fighter struct {
	X, Y     int32
	VX, VY   int32
	Push     int32
	Grounded bool
	Cooldown int32
	Hits     int32
}

func encodeFighter(dst []byte, f Fighter) []byte {
	dst = snapshot.AppendInt32(dst, f.X)
	dst = snapshot.AppendInt32(dst, f.Y)
	dst = snapshot.AppendInt32(dst, f.VX)
	dst = snapshot.AppendInt32(dst, f.VY)
	dst = snapshot.AppendInt32(dst, f.Push)
	dst = snapshot.AppendBool(dst, f.Grounded)
	dst = snapshot.AppendInt32(dst, f.Cooldown)
	return snapshot.AppendInt32(dst, f.Hits)
}

// Cue is a presentation side effect raised by a step (sound, flash). Cues
// are not rollback state and are re-raised when frames are resimulated.
type Cue struct {
	Frame int64
	Kind  string
	Actor int
}

// Config seeds the arena.
type Config struct {
	Seed    string
	Players int
}

// World is the live simulation state.
type World struct {
	Fighters []Fighter
	Frame    int64
	RNG      RNG

	cues []Cue
}

// New constructs the arena with fighters spread across the floor.
func New(cfg Config) *World {
	players := cfg.Players
	if players <= 0 {
		players = 2
	}
	w := &World{
		Fighters: make([]Fighter, players),
		RNG:      NewRNG(cfg.Seed, "world"),
	}
	spacing := 2 * 2000 / int32(max(players-1, 1))
	for i := range w.Fighters {
		w.Fighters[i] = Fighter{X: -2000 + int32(i)*spacing, Y: 2000}
	}
	return w
}

// Register declares every rollback-relevant field of the world.
func (w *World) Register(r *snapshot.Registry) error {
	categories := []snapshot.Category{
		snapshot.Slice("fighters", &w.Fighters, encodeFighter),
		snapshot.Var("frame_count", &w.Frame, snapshot.AppendInt64),
		snapshot.Var("rng", &w.RNG, func(dst []byte, rng RNG) []byte {
			return snapshot.AppendInt64(dst, int64(rng.State))
		}),
	}
	for _, c := range categories {
		if err := r.Register(c); err != nil {
			return fmt.Errorf("register world state: %w", err)
		}
	}
	return nil
}

// Step advances the arena by one frame using one input per fighter.
func (w *World) Step(inputs []input.Input) {
	for i := range w.Fighters {
		var in input.Input
		if i < len(inputs) {
			in = inputs[i]
		}
		w.move(i, in)
	}
	for i := range w.Fighters {
		var in input.Input
		if i < len(inputs) {
			in = inputs[i]
		}
		w.strike(i, in)
	}
	for i := range w.Fighters {
		w.integrate(i)
	}
	w.Frame++
}

func (w *World) move(i int, in input.Input) {
	f := &w.Fighters[i]
	// Left wins when both directions are held.
	switch {
	case in&input.Left != 0:
		f.VX = -MoveSpeed
	case in&input.Right != 0:
		f.VX = MoveSpeed
	default:
		f.VX = 0
	}
	if f.Grounded && in&input.Jump != 0 {
		f.VY = JumpSpeed
		f.Grounded = false
		w.cue("jump", i)
	}
	if f.Cooldown > 0 {
		f.Cooldown--
	}
}

func (w *World) strike(i int, in input.Input) {
	f := &w.Fighters[i]
	if in&input.Strike == 0 || f.Cooldown > 0 {
		return
	}
	f.Cooldown = StrikeCooldown
	w.cue("swing", i)
	for j := range w.Fighters {
		if j == i {
			continue
		}
		target := &w.Fighters[j]
		dx := target.X - f.X
		if abs(dx) > StrikeReach || abs(target.Y-f.Y) > 2*FighterHalf {
			continue
		}
		force := w.RNG.Range(KnockbackMin, KnockbackMax)
		if dx < 0 {
			force = -force
		}
		target.Push += force
		target.VY += JumpSpeed / 2
		target.Grounded = false
		f.Hits++
		w.cue("hit", j)
	}
}

func (w *World) integrate(i int) {
	f := &w.Fighters[i]
	if !f.Grounded {
		f.VY += Gravity
	}
	f.X += f.VX + f.Push
	f.Y += f.VY
	switch {
	case f.Push > AirDrag:
		f.Push -= AirDrag
	case f.Push < -AirDrag:
		f.Push += AirDrag
	default:
		f.Push = 0
	}
	if f.Y <= GroundY {
		if !f.Grounded && f.VY < 0 {
			w.cue("land", i)
		}
		f.Y = GroundY
		f.VY = 0
		f.Grounded = true
	}
	if f.X < -ArenaHalfWidth {
		f.X = -ArenaHalfWidth
		f.Push = 0
	}
	if f.X > ArenaHalfWidth {
		f.X = ArenaHalfWidth
		f.Push = 0
	}
}

func (w *World) cue(kind string, actor int) {
	w.cues = append(w.cues, Cue{Frame: w.Frame, Kind: kind, Actor: actor})
}

// DrainCues returns and clears the presentation cues raised since the last
// drain.
func (w *World) DrainCues() []Cue {
	cues := w.cues
	w.cues = nil
	return cues
}

// View is a read-only copy of the state a presenter draws.
type View struct {
	Frame    int64
	Fighters []Fighter
}

// View copies the live state for presentation.
func (w *World) View() View {
	fighters := make([]Fighter, len(w.Fighters))
	copy(fighters, w.Fighters)
	return View{Frame: w.Frame, Fighters: fighters}
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
