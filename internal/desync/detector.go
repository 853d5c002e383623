// Package desync compares checksums of confirmed frames between peers and
// reports each run of mismatches once.
package desync

import (
	"sort"

	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
)

const (
	metricChecks     = "desync_checks_total"
	metricMismatches = "desync_mismatches_total"
	metricReported   = "desync_reported_frame"

	defaultRetain = 32
)

// Reporter sends the local checksum of a frame to the peers.
type Reporter interface {
	ReportChecksum(frame tick.Frame, checksum uint64)
}

// Sink is told when a peer's checksums start and stop disagreeing with ours.
type Sink interface {
	DesyncDetected(frame tick.Frame, handle tick.PlayerHandle, local, remote uint64)
	DesyncResolved(frame tick.Frame, handle tick.PlayerHandle, local, remote uint64)
}

// Config sets the comparison cadence K and the size of the pending table.
type Config struct {
	Interval int
	Retain   int
}

type peerState struct {
	remote       map[tick.Frame]uint64
	lastCompared tick.Frame
	desynced     bool
}

// Detector is owned by the simulation goroutine.
type Detector struct {
	interval tick.Frame
	retain   int
	reporter Reporter
	sink     Sink
	metrics  telemetry.Metrics

	local        map[tick.Frame]uint64
	lastReported tick.Frame
	peers        map[tick.PlayerHandle]*peerState
}

// NewDetector compares checksums every cfg.Interval frames against each
// handle in remotes.
func NewDetector(cfg Config, remotes []tick.PlayerHandle, reporter Reporter, sink Sink, metrics telemetry.Metrics) *Detector {
	if cfg.Interval < 1 {
		cfg.Interval = 1
	}
	if cfg.Retain < 1 {
		cfg.Retain = defaultRetain
	}
	d := &Detector{
		interval:     tick.Frame(cfg.Interval),
		retain:       cfg.Retain,
		reporter:     reporter,
		sink:         sink,
		metrics:      telemetry.OrNop(metrics),
		local:        make(map[tick.Frame]uint64),
		lastReported: 0,
		peers:        make(map[tick.PlayerHandle]*peerState, len(remotes)),
	}
	for _, h := range remotes {
		d.peers[h] = &peerState{remote: make(map[tick.Frame]uint64), lastCompared: tick.NullFrame}
	}
	return d
}

// Check checksums every final frame on the cadence that has not been
// reported yet. final is the newest frame whose state depends only on
// confirmed inputs; checksumAt returns false for frames no longer stored.
func (d *Detector) Check(final tick.Frame, checksumAt func(tick.Frame) (uint64, bool)) {
	for f := d.lastReported + d.interval; f <= final; f += d.interval {
		d.lastReported = f
		sum, ok := checksumAt(f)
		if !ok {
			continue
		}
		d.local[f] = sum
		d.metrics.Store(metricReported, uint64(f))
		if d.reporter != nil {
			d.reporter.ReportChecksum(f, sum)
		}
		for h := range d.peers {
			d.compare(h, f)
		}
	}
	d.prune()
}

// Remote records a peer's checksum. Reports for frames at or before the
// last compared frame are ignored.
func (d *Detector) Remote(handle tick.PlayerHandle, frame tick.Frame, checksum uint64) {
	p, ok := d.peers[handle]
	if !ok || frame <= p.lastCompared || frame%d.interval != 0 {
		return
	}
	p.remote[frame] = checksum
	d.compare(handle, frame)
	d.prune()
}

// Desynced reports whether any peer is inside a mismatched run.
func (d *Detector) Desynced() bool {
	for _, p := range d.peers {
		if p.desynced {
			return true
		}
	}
	return false
}

// Pending reports how many unmatched checksums are held.
func (d *Detector) Pending() int {
	n := len(d.local)
	for _, p := range d.peers {
		n += len(p.remote)
	}
	return n
}

func (d *Detector) compare(handle tick.PlayerHandle, frame tick.Frame) {
	p := d.peers[handle]
	local, okLocal := d.local[frame]
	remote, okRemote := p.remote[frame]
	if !okLocal || !okRemote || frame <= p.lastCompared {
		return
	}
	delete(p.remote, frame)
	p.lastCompared = frame
	d.metrics.Add(metricChecks, 1)

	if local != remote {
		d.metrics.Add(metricMismatches, 1)
		if !p.desynced {
			p.desynced = true
			if d.sink != nil {
				d.sink.DesyncDetected(frame, handle, local, remote)
			}
		}
		return
	}
	if p.desynced {
		p.desynced = false
		if d.sink != nil {
			d.sink.DesyncResolved(frame, handle, local, remote)
		}
	}
}

// prune drops local values every peer has moved past and caps both tables.
func (d *Detector) prune() {
	oldest := tick.NullFrame
	first := true
	for _, p := range d.peers {
		for f := range p.remote {
			if f <= p.lastCompared {
				delete(p.remote, f)
			}
		}
		trim(p.remote, d.retain)
		if first || p.lastCompared < oldest {
			oldest = p.lastCompared
			first = false
		}
	}
	for f := range d.local {
		if f <= oldest {
			delete(d.local, f)
		}
	}
	trim(d.local, d.retain)
}

func trim(values map[tick.Frame]uint64, limit int) {
	if len(values) <= limit {
		return
	}
	frames := make([]tick.Frame, 0, len(values))
	for f := range values {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	for _, f := range frames[:len(frames)-limit] {
		delete(values, f)
	}
}
