package sim

import (
	"context"
	"errors"
	"fmt"

	"rollback-arena/internal/desync"
	"rollback-arena/internal/input"
	"rollback-arena/internal/session"
	"rollback-arena/internal/snapshot"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
	rollbacklog "rollback-arena/logging/rollback"
)

// ErrPredictionThreshold is returned by Advance when stepping the current
// frame would put more unconfirmed frames in flight than the rollback window
// allows. The tick still reconciles; the frame is simply not stepped.
var ErrPredictionThreshold = errors.New("sim: prediction threshold reached")

// ErrMissingSnapshot is returned when a rollback target is no longer stored.
var ErrMissingSnapshot = errors.New("sim: snapshot not retained")

const (
	metricFrame             = "sim_frame"
	metricRollbacks         = "sim_rollbacks_total"
	metricResimulated       = "sim_resimulated_frames_total"
	metricRollbackDepth     = "sim_rollback_depth"
	metricPredictionDepth   = "sim_prediction_depth"
	metricPredictionStalls  = "sim_prediction_stalls_total"
	metricConfirmedFrameKey = "sim_confirmed_frame"
)

// Simulation is the deterministic step collaborator. Step must depend only
// on registered state and the given inputs, indexed by handle.
type Simulation interface {
	Step(inputs []input.Input)
}

// Session is the part of the peer session the scheduler consumes.
type Session interface {
	NumPlayers() int
	AddLocalInput(frame tick.Frame, in input.Input)
	Poll(frame tick.Frame) session.Update
	Input(handle tick.PlayerHandle, frame tick.Frame) (input.Input, bool)
	ConfirmedFrame() tick.Frame
}

// RollbackReport describes one rewind performed during a tick.
type RollbackReport struct {
	From        tick.Frame
	To          tick.Frame
	Resimulated int
}

// TickResult summarises one Advance or Reconcile call.
type TickResult struct {
	Frame      tick.Frame
	Stepped    bool
	Rollback   *RollbackReport
	Confirmed  tick.Frame
	Prediction int
	WaitFrames int
	// Stalled is set when Advance refused to step because the prediction
	// window was full.
	Stalled bool
}

// Config sizes the rollback window.
type Config struct {
	MaxPrediction int
}

// Options carries the optional collaborators of a Scheduler.
type Options struct {
	Detector  *desync.Detector
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// Scheduler owns the frame counter, the input history and the snapshot ring.
// It is driven from a single goroutine.
type Scheduler struct {
	session   Session
	sim       Simulation
	registry  *snapshot.Registry
	history   *InputHistory
	snapshots *SnapshotRing
	detector  *desync.Detector
	metrics   telemetry.Metrics
	publisher logging.Publisher

	window  int
	players int
	frame   tick.Frame
	scratch []input.Input
}

// NewScheduler seals registry and stores the initial snapshot as frame 0.
func NewScheduler(cfg Config, sess Session, simulation Simulation, registry *snapshot.Registry, opts Options) (*Scheduler, error) {
	if sess == nil || simulation == nil || registry == nil {
		return nil, fmt.Errorf("sim: scheduler requires a session, a simulation and a registry")
	}
	if cfg.MaxPrediction < 1 {
		return nil, fmt.Errorf("sim: prediction window must be positive, got %d", cfg.MaxPrediction)
	}
	players := sess.NumPlayers()
	publisher := opts.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	s := &Scheduler{
		session:   sess,
		sim:       simulation,
		registry:  registry,
		history:   NewInputHistory(cfg.MaxPrediction+2, players, opts.Metrics),
		snapshots: NewSnapshotRing(cfg.MaxPrediction+1, opts.Metrics),
		detector:  opts.Detector,
		metrics:   telemetry.OrNop(opts.Metrics),
		publisher: publisher,
		window:    cfg.MaxPrediction,
		players:   players,
		scratch:   make([]input.Input, players),
	}
	registry.Seal()
	s.snapshots.Put(registry.Save(0))
	return s, nil
}

// Frame returns the next frame to be stepped.
func (s *Scheduler) Frame() tick.Frame { return s.frame }

// History exposes the input history for inspection.
func (s *Scheduler) History() *InputHistory { return s.history }

// Snapshots exposes the snapshot ring for inspection.
func (s *Scheduler) Snapshots() *SnapshotRing { return s.snapshots }

// Checksum returns the checksum of the stored snapshot for frame.
func (s *Scheduler) Checksum(frame tick.Frame) (uint64, bool) {
	snap, ok := s.snapshots.Get(frame)
	if !ok {
		return 0, false
	}
	return s.registry.Checksum(snap), true
}

// Advance reconciles newly confirmed inputs, hands the local input to the
// session and steps the current frame. When the prediction window is full
// it returns ErrPredictionThreshold without stepping.
func (s *Scheduler) Advance(ctx context.Context, local input.Input) (TickResult, error) {
	result, err := s.Reconcile(ctx)
	if err != nil {
		return result, err
	}
	if s.frame-result.Confirmed-1 >= tick.Frame(s.window) {
		s.metrics.Add(metricPredictionStalls, 1)
		rollbacklog.PredictionThreshold(ctx, s.publisher, int64(s.frame), rollbacklog.ThresholdPayload{
			Confirmed: int64(result.Confirmed),
			Window:    s.window,
		})
		result.Stalled = true
		return result, ErrPredictionThreshold
	}

	s.session.AddLocalInput(s.frame, local)
	s.step(s.frame)
	s.frame++
	s.history.EvictBefore(s.frame - tick.Frame(s.window))

	result.Frame = s.frame
	result.Stepped = true
	result.Confirmed = s.confirmed()
	result.Prediction = s.prediction(result.Confirmed)
	s.checkDesync(result.Confirmed)
	s.metrics.Store(metricFrame, uint64(s.frame))
	s.metrics.Store(metricPredictionDepth, uint64(result.Prediction))
	return result, nil
}

// Reconcile drains the session and rolls back to the earliest mispredicted
// frame, leaving the frame counter unchanged.
func (s *Scheduler) Reconcile(ctx context.Context) (TickResult, error) {
	update := s.session.Poll(s.frame)
	if s.detector != nil {
		for _, report := range update.Checksums {
			s.detector.Remote(report.Handle, report.Frame, report.Checksum)
		}
	}

	target := tick.NullFrame
	for _, c := range update.Inputs {
		if c.Frame >= s.frame {
			continue
		}
		used, _, ok := s.history.Used(c.Frame, c.Handle)
		if !ok {
			continue
		}
		s.history.Confirm(c.Frame, c.Handle)
		if used != c.Input {
			target = tick.Min(target, c.Frame)
		}
	}

	result := TickResult{Frame: s.frame, WaitFrames: update.WaitFrames}
	if !target.IsNull() {
		report, err := s.rollback(ctx, target)
		if err != nil {
			return result, err
		}
		result.Rollback = &report
	}
	result.Confirmed = s.confirmed()
	result.Prediction = s.prediction(result.Confirmed)
	s.checkDesync(result.Confirmed)
	s.metrics.Store(metricConfirmedFrameKey, uint64(max(result.Confirmed, 0)))
	return result, nil
}

func (s *Scheduler) rollback(ctx context.Context, to tick.Frame) (RollbackReport, error) {
	snap, ok := s.snapshots.Get(to)
	if !ok {
		return RollbackReport{}, fmt.Errorf("%w: frame %d", ErrMissingSnapshot, to)
	}
	if err := s.registry.Restore(snap); err != nil {
		return RollbackReport{}, fmt.Errorf("sim: restore frame %d: %w", to, err)
	}
	for f := to; f < s.frame; f++ {
		s.step(f)
	}
	report := RollbackReport{From: s.frame, To: to, Resimulated: int(s.frame - to)}
	s.metrics.Add(metricRollbacks, 1)
	s.metrics.Add(metricResimulated, uint64(report.Resimulated))
	s.metrics.Store(metricRollbackDepth, uint64(report.Resimulated))
	rollbacklog.Performed(ctx, s.publisher, int64(s.frame), rollbacklog.RollbackPayload{
		From:        int64(report.From),
		To:          int64(report.To),
		Resimulated: report.Resimulated,
	})
	return report, nil
}

// step simulates frame f with the best-known inputs and stores the
// resulting state as snapshot f+1.
func (s *Scheduler) step(f tick.Frame) {
	for h := 0; h < s.players; h++ {
		handle := tick.PlayerHandle(h)
		in, confirmed := s.session.Input(handle, f)
		s.history.Record(f, handle, in, confirmed)
		s.scratch[h] = in
	}
	s.sim.Step(s.scratch)
	s.snapshots.Put(s.registry.Save(f + 1))
}

func (s *Scheduler) confirmed() tick.Frame {
	c := s.session.ConfirmedFrame()
	if c.IsNull() {
		return -1
	}
	return c
}

func (s *Scheduler) prediction(confirmed tick.Frame) int {
	if p := int(s.frame - confirmed - 1); p > 0 {
		return p
	}
	return 0
}

// checkDesync checksums the newest frames whose state depends only on
// confirmed inputs.
func (s *Scheduler) checkDesync(confirmed tick.Frame) {
	if s.detector == nil {
		return
	}
	final := confirmed + 1
	if final > s.frame {
		final = s.frame
	}
	s.detector.Check(final, s.Checksum)
}
