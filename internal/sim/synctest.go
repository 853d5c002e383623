package sim

import (
	"context"
	"errors"
	"fmt"

	"rollback-arena/internal/input"
	"rollback-arena/internal/snapshot"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
	rollbacklog "rollback-arena/logging/rollback"
)

// ErrSyncTestMismatch is returned when resimulating a frame yields a
// different checksum than the first run.
var ErrSyncTestMismatch = errors.New("sim: synctest checksum mismatch")

const metricSyncTestChecks = "sim_synctest_checks_total"

// SyncTestConfig sizes a single-process determinism check.
type SyncTestConfig struct {
	NumPlayers    int
	CheckDistance int
}

// SyncTest steps a simulation with every input known, then rolls back
// CheckDistance frames each tick and verifies the resimulation reproduces the
// same checksums. State missing from the registry shows up here.
type SyncTest struct {
	sim       Simulation
	registry  *snapshot.Registry
	snapshots *SnapshotRing
	history   *InputHistory
	checksums map[tick.Frame]uint64
	metrics   telemetry.Metrics
	publisher logging.Publisher

	players  int
	distance int
	frame    tick.Frame
	scratch  []input.Input
}

// NewSyncTest seals registry and stores the initial snapshot.
func NewSyncTest(cfg SyncTestConfig, simulation Simulation, registry *snapshot.Registry, opts Options) (*SyncTest, error) {
	if simulation == nil || registry == nil {
		return nil, fmt.Errorf("sim: synctest requires a simulation and a registry")
	}
	if cfg.NumPlayers < 1 {
		return nil, fmt.Errorf("sim: synctest needs players, got %d", cfg.NumPlayers)
	}
	if cfg.CheckDistance < 1 {
		return nil, fmt.Errorf("sim: check distance must be positive, got %d", cfg.CheckDistance)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	s := &SyncTest{
		sim:       simulation,
		registry:  registry,
		snapshots: NewSnapshotRing(cfg.CheckDistance+1, opts.Metrics),
		history:   NewInputHistory(cfg.CheckDistance+2, cfg.NumPlayers, opts.Metrics),
		checksums: make(map[tick.Frame]uint64),
		metrics:   telemetry.OrNop(opts.Metrics),
		publisher: publisher,
		players:   cfg.NumPlayers,
		distance:  cfg.CheckDistance,
		scratch:   make([]input.Input, cfg.NumPlayers),
	}
	registry.Seal()
	s.snapshots.Put(registry.Save(0))
	return s, nil
}

// Frame returns the next frame to be stepped.
func (s *SyncTest) Frame() tick.Frame { return s.frame }

// Advance steps one frame with inputs, then rewinds and resimulates the last
// CheckDistance frames.
func (s *SyncTest) Advance(ctx context.Context, inputs []input.Input) error {
	if len(inputs) != s.players {
		return fmt.Errorf("sim: synctest expects %d inputs, got %d", s.players, len(inputs))
	}
	for h, in := range inputs {
		s.history.Record(s.frame, tick.PlayerHandle(h), in, true)
	}
	s.step(s.frame)
	s.frame++
	s.checksums[s.frame], _ = s.checksum(s.frame)

	if s.frame > tick.Frame(s.distance) {
		if err := s.verify(ctx, s.frame-tick.Frame(s.distance)); err != nil {
			return err
		}
	}

	oldest := s.frame - tick.Frame(s.distance)
	s.history.EvictBefore(oldest)
	for f := range s.checksums {
		if f < oldest {
			delete(s.checksums, f)
		}
	}
	return nil
}

func (s *SyncTest) verify(ctx context.Context, from tick.Frame) error {
	snap, ok := s.snapshots.Get(from)
	if !ok {
		return fmt.Errorf("%w: frame %d", ErrMissingSnapshot, from)
	}
	if err := s.registry.Restore(snap); err != nil {
		return fmt.Errorf("sim: restore frame %d: %w", from, err)
	}
	for f := from; f < s.frame; f++ {
		s.step(f)
		got, _ := s.checksum(f + 1)
		want := s.checksums[f+1]
		s.metrics.Add(metricSyncTestChecks, 1)
		if got != want {
			rollbacklog.SyncTestMismatch(ctx, s.publisher, int64(f+1), rollbacklog.SyncTestPayload{
				Original:    want,
				Resimulated: got,
			})
			return fmt.Errorf("%w: frame %d: %x != %x", ErrSyncTestMismatch, f+1, got, want)
		}
	}
	return nil
}

func (s *SyncTest) step(f tick.Frame) {
	for h := 0; h < s.players; h++ {
		in, _, _ := s.history.Used(f, tick.PlayerHandle(h))
		s.scratch[h] = in
	}
	s.sim.Step(s.scratch)
	s.snapshots.Put(s.registry.Save(f + 1))
}

func (s *SyncTest) checksum(frame tick.Frame) (uint64, bool) {
	snap, ok := s.snapshots.Get(frame)
	if !ok {
		return 0, false
	}
	return s.registry.Checksum(snap), true
}
