package sim

import (
	"rollback-arena/internal/input"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
)

const historyFramesMetricKey = "sim_history_frames"

type historyEntry struct {
	frame     tick.Frame
	inputs    []input.Input
	confirmed []bool
}

// InputHistory stores the input each handle was stepped with per frame and
// whether it was confirmed at the time. It is a fixed-size ring indexed by
// frame; only the simulation goroutine touches it.
type InputHistory struct {
	entries []historyEntry
	players int
	count   int
	metrics telemetry.Metrics
}

// NewInputHistory sizes the ring for capacity frames of players handles.
func NewInputHistory(capacity, players int, metrics telemetry.Metrics) *InputHistory {
	if capacity < 1 {
		capacity = 1
	}
	entries := make([]historyEntry, capacity)
	for i := range entries {
		entries[i] = historyEntry{
			frame:     tick.NullFrame,
			inputs:    make([]input.Input, players),
			confirmed: make([]bool, players),
		}
	}
	return &InputHistory{entries: entries, players: players, metrics: telemetry.OrNop(metrics)}
}

// Capacity reports how many frames the ring retains.
func (h *InputHistory) Capacity() int { return len(h.entries) }

// Len reports how many frames are currently held.
func (h *InputHistory) Len() int { return h.count }

func (h *InputHistory) slot(frame tick.Frame) *historyEntry {
	return &h.entries[int(frame)%len(h.entries)]
}

// Record stores the input used for handle at frame, overwriting whatever the
// slot held for an older frame.
func (h *InputHistory) Record(frame tick.Frame, handle tick.PlayerHandle, in input.Input, confirmed bool) {
	if frame < 0 || !handle.Valid(h.players) {
		return
	}
	e := h.slot(frame)
	if e.frame != frame {
		if e.frame.IsNull() {
			h.count++
		}
		e.frame = frame
		clear(e.inputs)
		clear(e.confirmed)
	}
	e.inputs[handle] = in
	e.confirmed[handle] = confirmed
	h.metrics.Store(historyFramesMetricKey, uint64(h.count))
}

// Used returns the input handle was stepped with at frame.
func (h *InputHistory) Used(frame tick.Frame, handle tick.PlayerHandle) (in input.Input, confirmed bool, ok bool) {
	if frame < 0 || !handle.Valid(h.players) {
		return 0, false, false
	}
	e := h.slot(frame)
	if e.frame != frame {
		return 0, false, false
	}
	return e.inputs[handle], e.confirmed[handle], true
}

// Confirm marks the input of handle at frame as confirmed.
func (h *InputHistory) Confirm(frame tick.Frame, handle tick.PlayerHandle) {
	if frame < 0 || !handle.Valid(h.players) {
		return
	}
	if e := h.slot(frame); e.frame == frame {
		e.confirmed[handle] = true
	}
}

// EvictBefore drops every frame older than frame.
func (h *InputHistory) EvictBefore(frame tick.Frame) {
	for i := range h.entries {
		e := &h.entries[i]
		if !e.frame.IsNull() && e.frame < frame {
			e.frame = tick.NullFrame
			h.count--
		}
	}
	h.metrics.Store(historyFramesMetricKey, uint64(h.count))
}

// Oldest returns the oldest frame held, or tick.NullFrame.
func (h *InputHistory) Oldest() tick.Frame {
	oldest := tick.NullFrame
	for _, e := range h.entries {
		if !e.frame.IsNull() && (oldest.IsNull() || e.frame < oldest) {
			oldest = e.frame
		}
	}
	return oldest
}
