package sim

import (
	"rollback-arena/internal/snapshot"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
)

const snapshotEvictionsMetricKey = "sim_snapshot_evictions_total"

// SnapshotEviction describes a snapshot removed from the ring and why.
type SnapshotEviction struct {
	Frame  tick.Frame
	Reason string
}

// SnapshotRecordResult reports ring state after storing a snapshot.
type SnapshotRecordResult struct {
	Size     int
	Oldest   tick.Frame
	Newest   tick.Frame
	Replaced bool
	Evicted  []SnapshotEviction
}

// SnapshotRing retains the most recent snapshots in frame order.
type SnapshotRing struct {
	capacity  int
	snapshots []snapshot.Snapshot
	metrics   telemetry.Metrics
}

// NewSnapshotRing keeps at most capacity snapshots.
func NewSnapshotRing(capacity int, metrics telemetry.Metrics) *SnapshotRing {
	if capacity < 1 {
		capacity = 1
	}
	return &SnapshotRing{
		capacity:  capacity,
		snapshots: make([]snapshot.Snapshot, 0, capacity+1),
		metrics:   telemetry.OrNop(metrics),
	}
}

// Put stores snap. A snapshot for the same frame is replaced; frames newer
// than snap are discarded since they were derived from the state it replaces.
func (r *SnapshotRing) Put(snap snapshot.Snapshot) SnapshotRecordResult {
	var result SnapshotRecordResult
	for i, existing := range r.snapshots {
		if existing.Frame < snap.Frame {
			continue
		}
		if existing.Frame == snap.Frame {
			result.Replaced = true
		}
		for _, stale := range r.snapshots[i:] {
			if stale.Frame != snap.Frame {
				result.Evicted = append(result.Evicted, SnapshotEviction{Frame: stale.Frame, Reason: "superseded"})
			}
		}
		r.snapshots = r.snapshots[:i]
		break
	}
	r.snapshots = append(r.snapshots, snap)

	if overflow := len(r.snapshots) - r.capacity; overflow > 0 {
		for _, old := range r.snapshots[:overflow] {
			result.Evicted = append(result.Evicted, SnapshotEviction{Frame: old.Frame, Reason: "count"})
		}
		copy(r.snapshots, r.snapshots[overflow:])
		r.snapshots = r.snapshots[:len(r.snapshots)-overflow]
	}
	if len(result.Evicted) > 0 {
		r.metrics.Add(snapshotEvictionsMetricKey, uint64(len(result.Evicted)))
	}

	result.Size = len(r.snapshots)
	result.Oldest = r.snapshots[0].Frame
	result.Newest = r.snapshots[len(r.snapshots)-1].Frame
	return result
}

// Get returns the snapshot stored for frame.
func (r *SnapshotRing) Get(frame tick.Frame) (snapshot.Snapshot, bool) {
	for _, snap := range r.snapshots {
		if snap.Frame == frame {
			return snap, true
		}
	}
	return snapshot.Snapshot{}, false
}

// Window reports the number of snapshots held and their frame range.
func (r *SnapshotRing) Window() (size int, oldest, newest tick.Frame) {
	size = len(r.snapshots)
	if size == 0 {
		return 0, tick.NullFrame, tick.NullFrame
	}
	return size, r.snapshots[0].Frame, r.snapshots[size-1].Frame
}

// Reset drops every snapshot.
func (r *SnapshotRing) Reset() {
	r.snapshots = r.snapshots[:0]
}
