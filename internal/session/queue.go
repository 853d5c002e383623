package session

import (
	"rollback-arena/internal/input"
	"rollback-arena/internal/tick"
)

// inputQueue holds one handle's confirmed inputs in frame order. Frames
// below the input delay are implicitly confirmed as the zero Input.
type inputQueue struct {
	inputs []input.Input
	delay  tick.Frame
	next   tick.Frame
	last   input.Input
}

func newInputQueue(capacity int, delay int) *inputQueue {
	return &inputQueue{
		inputs: make([]input.Input, capacity),
		delay:  tick.Frame(delay),
		next:   tick.Frame(delay),
	}
}

// add accepts in only as the next contiguous frame.
func (q *inputQueue) add(frame tick.Frame, in input.Input) bool {
	if frame != q.next {
		return false
	}
	q.inputs[int(frame)%len(q.inputs)] = in
	q.last = in
	q.next++
	return true
}

// confirmed returns the confirmed input for frame when it is known and still
// retained.
func (q *inputQueue) confirmed(frame tick.Frame) (input.Input, bool) {
	if frame < 0 {
		return 0, false
	}
	if frame < q.delay {
		return 0, true
	}
	if frame >= q.next || frame < q.next-tick.Frame(len(q.inputs)) {
		return 0, false
	}
	return q.inputs[int(frame)%len(q.inputs)], true
}

// lastConfirmed is the highest contiguous confirmed frame.
func (q *inputQueue) lastConfirmed() tick.Frame {
	return q.next - 1
}

// since returns the confirmed inputs from frame start onward, capped at the
// retained window.
func (q *inputQueue) since(start tick.Frame) (tick.Frame, []input.Input) {
	oldest := max(q.delay, q.next-tick.Frame(len(q.inputs)))
	if start < oldest {
		start = oldest
	}
	if start >= q.next {
		return start, nil
	}
	out := make([]input.Input, 0, q.next-start)
	for f := start; f < q.next; f++ {
		out = append(out, q.inputs[int(f)%len(q.inputs)])
	}
	return start, out
}
