package input

import "math/rand"

// Source exposes the local raw control state once per tick.
type Source interface {
	Keys() Keys
}

// SourceFunc adapts a function into a Source.
type SourceFunc func() Keys

// Keys implements Source.
func (f SourceFunc) Keys() Keys {
	if f == nil {
		return 0
	}
	return f()
}

// EdgeTrigger turns a held jump into a single-frame press. It holds local
// sampling state and must only wrap the local source, never remote input.
type EdgeTrigger struct {
	wasPressed bool
}

// Apply clears the jump bit unless it was released on the previous sample.
func (e *EdgeTrigger) Apply(in Input) Input {
	pressed := in&Jump != 0
	if pressed && e.wasPressed {
		in &^= Jump
	}
	e.wasPressed = pressed
	return in
}

// ScriptSource is a deterministic bot: it holds a randomly chosen key set for
// a randomly chosen number of ticks, reproducible from its seed.
type ScriptSource struct {
	rng      *rand.Rand
	current  Keys
	holdLeft int
	minHold  int
	maxHold  int
}

// NewScriptSource constructs a bot seeded with seed.
func NewScriptSource(seed int64) *ScriptSource {
	return &ScriptSource{
		rng:     rand.New(rand.NewSource(seed)),
		minHold: 4,
		maxHold: 30,
	}
}

var scriptChoices = []Keys{
	0,
	Keys(0).Press(KeyA),
	Keys(0).Press(KeyD),
	Keys(0).Press(KeyW),
	Keys(0).Press(KeyA, KeyW),
	Keys(0).Press(KeyD, KeyW),
	Keys(0).Press(KeySpace),
	Keys(0).Press(KeyArrowLeft, KeyEnter),
}

// Keys implements Source.
func (s *ScriptSource) Keys() Keys {
	if s.holdLeft <= 0 {
		s.current = scriptChoices[s.rng.Intn(len(scriptChoices))]
		s.holdLeft = s.minHold + s.rng.Intn(s.maxHold-s.minHold+1)
	}
	s.holdLeft--
	return s.current
}
