package desync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
)

type sentReport struct {
	frame tick.Frame
	sum   uint64
}

type recorder struct {
	sent     []sentReport
	detected []tick.Frame
	resolved []tick.Frame
}

func (r *recorder) ReportChecksum(frame tick.Frame, sum uint64) {
	r.sent = append(r.sent, sentReport{frame, sum})
}

func (r *recorder) DesyncDetected(frame tick.Frame, _ tick.PlayerHandle, _, _ uint64) {
	r.detected = append(r.detected, frame)
}

func (r *recorder) DesyncResolved(frame tick.Frame, _ tick.PlayerHandle, _, _ uint64) {
	r.resolved = append(r.resolved, frame)
}

func sums(values map[tick.Frame]uint64) func(tick.Frame) (uint64, bool) {
	return func(f tick.Frame) (uint64, bool) {
		v, ok := values[f]
		return v, ok
	}
}

func TestCheckReportsOnlyFinalFramesOnCadence(t *testing.T) {
	rec := &recorder{}
	d := NewDetector(Config{Interval: 10}, []tick.PlayerHandle{1}, rec, rec, nil)
	local := map[tick.Frame]uint64{10: 0xa, 20: 0xb, 30: 0xc}

	d.Check(9, sums(local))
	require.Empty(t, rec.sent)

	d.Check(25, sums(local))
	require.Equal(t, []sentReport{{10, 0xa}, {20, 0xb}}, rec.sent)

	d.Check(25, sums(local))
	require.Len(t, rec.sent, 2, "frames are reported once")
}

func TestOneFaultPerMismatchedRun(t *testing.T) {
	rec := &recorder{}
	counters := telemetry.NewCounters()
	d := NewDetector(Config{Interval: 10}, []tick.PlayerHandle{1}, rec, rec, counters)
	local := map[tick.Frame]uint64{10: 1, 20: 2, 30: 3, 40: 4}
	d.Check(40, sums(local))

	d.Remote(1, 10, 1)
	d.Remote(1, 20, 99)
	d.Remote(1, 30, 98)
	require.Equal(t, []tick.Frame{20}, rec.detected)
	require.True(t, d.Desynced())

	d.Remote(1, 40, 4)
	require.Equal(t, []tick.Frame{40}, rec.resolved)
	require.False(t, d.Desynced())
	require.Equal(t, uint64(4), counters.Value(metricChecks))
	require.Equal(t, uint64(2), counters.Value(metricMismatches))
}

func TestRemoteBeforeLocalIsHeldUntilComparable(t *testing.T) {
	rec := &recorder{}
	d := NewDetector(Config{Interval: 5}, []tick.PlayerHandle{0}, rec, rec, nil)
	d.Remote(0, 5, 7)
	require.Equal(t, 1, d.Pending())
	d.Check(5, sums(map[tick.Frame]uint64{5: 8}))
	require.Equal(t, []tick.Frame{5}, rec.detected)
}

func TestStragglersAndOffCadenceReportsAreIgnored(t *testing.T) {
	rec := &recorder{}
	d := NewDetector(Config{Interval: 10}, []tick.PlayerHandle{1}, rec, rec, nil)
	d.Check(20, sums(map[tick.Frame]uint64{10: 1, 20: 2}))
	d.Remote(1, 20, 2)
	d.Remote(1, 10, 42)
	d.Remote(1, 15, 42)
	require.Empty(t, rec.detected)
	require.Zero(t, d.Pending())
}

func TestPendingTableIsBounded(t *testing.T) {
	d := NewDetector(Config{Interval: 1, Retain: 4}, []tick.PlayerHandle{1}, nil, nil, nil)
	for f := tick.Frame(1); f <= 50; f++ {
		d.Remote(1, f, uint64(f))
	}
	require.LessOrEqual(t, d.Pending(), 4)
}
