package sim

import (
	"context"
	"errors"
	"time"

	"rollback-arena/internal/input"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
	rollbacklog "rollback-arena/logging/rollback"
)

const (
	metricSkippedTicks   = "sim_skipped_ticks_total"
	metricBudgetOverruns = "sim_tick_budget_overruns_total"
)

// Presenter receives every tick result after the simulation settled.
type Presenter interface {
	Present(TickResult)
}

// PresenterFunc adapts a function into a Presenter.
type PresenterFunc func(TickResult)

// Present calls f.
func (f PresenterFunc) Present(result TickResult) { f(result) }

// RunnerConfig tunes the fixed-timestep loop.
type RunnerConfig struct {
	TickRate int
	// MaxFrames stops the loop once the scheduler reaches that frame. Zero
	// runs until the context ends.
	MaxFrames tick.Frame
	// OverrunWarnStreak is the number of consecutive over-budget ticks after
	// which an overrun event is published.
	OverrunWarnStreak int
}

// RunnerHooks wires the local controls and the presentation layer.
type RunnerHooks struct {
	Sample    func() input.Input
	Presenter Presenter
	// Stop is consulted after each tick; returning true ends Run.
	Stop func(TickResult) bool
}

// Runner drives a Scheduler at a fixed rate and honours wait
// recommendations by skipping ticks.
type Runner struct {
	scheduler *Scheduler
	config    RunnerConfig
	hooks     RunnerHooks
	clock     logging.Clock
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	skip          int
	overrunStreak int
}

// NewRunner wraps scheduler. A nil clock uses the system clock.
func NewRunner(scheduler *Scheduler, cfg RunnerConfig, hooks RunnerHooks, clock logging.Clock, logger telemetry.Logger) *Runner {
	if scheduler == nil {
		return nil
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 60
	}
	if cfg.OverrunWarnStreak <= 0 {
		cfg.OverrunWarnStreak = 3
	}
	return &Runner{
		scheduler: scheduler,
		config:    cfg,
		hooks:     hooks,
		clock:     clock,
		logger:    logger,
		metrics:   scheduler.metrics,
		publisher: scheduler.publisher,
	}
}

// Tick performs one scheduler tick: a skipped tick only reconciles.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	if r.skip > 0 {
		r.skip--
		r.metrics.Add(metricSkippedTicks, 1)
		return r.scheduler.Reconcile(ctx)
	}
	var local input.Input
	if r.hooks.Sample != nil {
		local = r.hooks.Sample()
	}
	result, err := r.scheduler.Advance(ctx, local)
	if errors.Is(err, ErrPredictionThreshold) {
		err = nil
	}
	if err != nil {
		return result, err
	}
	if result.WaitFrames > 0 {
		r.skip = result.WaitFrames
	}
	return result, nil
}

// Run drives the fixed-timestep loop until ctx ends, MaxFrames is reached
// or a tick fails.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil {
		return nil
	}
	budget := time.Second / time.Duration(r.config.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := r.clock.Now()
			result, err := r.Tick(ctx)
			if err != nil {
				return err
			}
			r.checkBudget(ctx, result, r.clock.Now().Sub(start), budget)

			if r.hooks.Presenter != nil {
				r.hooks.Presenter.Present(result)
			}
			if r.hooks.Stop != nil && r.hooks.Stop(result) {
				return nil
			}
			if r.config.MaxFrames > 0 && r.scheduler.Frame() >= r.config.MaxFrames {
				return nil
			}
		}
	}
}

func (r *Runner) checkBudget(ctx context.Context, result TickResult, duration, budget time.Duration) {
	if duration <= budget {
		r.overrunStreak = 0
		return
	}
	r.overrunStreak++
	r.metrics.Add(metricBudgetOverruns, 1)
	if r.overrunStreak < r.config.OverrunWarnStreak {
		return
	}
	resimulated := 0
	if result.Rollback != nil {
		resimulated = result.Rollback.Resimulated
	}
	rollbacklog.TickBudgetOverrun(ctx, r.publisher, int64(result.Frame), rollbacklog.TickBudgetOverrunPayload{
		DurationMillis: duration.Milliseconds(),
		BudgetMillis:   budget.Milliseconds(),
		Ratio:          float64(duration) / float64(budget),
		Streak:         uint64(r.overrunStreak),
		Resimulated:    resimulated,
	})
	if r.logger != nil {
		r.logger.Printf("[tick] frame=%d took %s (budget %s, streak %d)", result.Frame, duration, budget, r.overrunStreak)
	}
}
