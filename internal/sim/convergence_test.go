package sim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollback-arena/internal/desync"
	"rollback-arena/internal/events"
	"rollback-arena/internal/input"
	"rollback-arena/internal/net/loopback"
	"rollback-arena/internal/session"
	"rollback-arena/internal/sim"
	"rollback-arena/internal/snapshot"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/internal/world"
)

type peerRig struct {
	manager   *session.Manager
	scheduler *sim.Scheduler
	surface   *events.Surface
	counters  *telemetry.Counters
	source    *input.ScriptSource
}

func startPeer(t *testing.T, ep *loopback.Endpoint, seed int64) *peerRig {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	surface := events.NewSurface(nil, 0)
	counters := telemetry.NewCounters()

	est, err := session.NewEstablisher(cfg, ep.Discovery(), nil, session.Options{Observer: surface, Metrics: counters})
	require.NoError(t, err)
	m, err := est.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	t.Cleanup(func() { _ = m.Close() })

	var remotes []tick.PlayerHandle
	for _, b := range m.Bindings() {
		if !b.Local {
			remotes = append(remotes, b.Handle)
		}
	}
	detector := desync.NewDetector(desync.Config{Interval: cfg.DesyncInterval}, remotes, m, surface, counters)

	w := world.New(world.Config{Seed: "convergence", Players: cfg.NumPlayers})
	registry := snapshot.NewRegistry()
	require.NoError(t, w.Register(registry))
	s, err := sim.NewScheduler(sim.Config{MaxPrediction: cfg.MaxPrediction}, m, w, registry, sim.Options{
		Detector: detector,
		Metrics:  counters,
	})
	require.NoError(t, err)
	return &peerRig{manager: m, scheduler: s, surface: surface, counters: counters, source: input.NewScriptSource(seed)}
}

func (p *peerRig) tick(t *testing.T, target tick.Frame) {
	t.Helper()
	if p.scheduler.Frame() >= target {
		_, err := p.scheduler.Reconcile(context.Background())
		require.NoError(t, err)
		return
	}
	_, err := p.scheduler.Advance(context.Background(), input.Encode(p.source.Keys()))
	if err != nil && !errors.Is(err, sim.ErrPredictionThreshold) {
		t.Fatalf("advance: %v", err)
	}
}

func TestPeersConvergeOverLossyChannel(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{Seed: 11, DropRate: 0.1, ReorderRate: 0.1})
	// The roster must be complete before either peer polls discovery.
	epA, epB := network.Join("peer-a"), network.Join("peer-b")
	a := startPeer(t, epA, 1)
	b := startPeer(t, epB, 2)

	const target = tick.Frame(120)
	// Reports for frames 10, 20, ..., 120 are sent once each, so a lost
	// datagram skips that comparison.
	const wantChecks = 6
	done := func() bool {
		return a.scheduler.Frame() == target && b.scheduler.Frame() == target &&
			a.counters.Value("desync_checks_total") >= wantChecks &&
			b.counters.Value("desync_checks_total") >= wantChecks
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && !done() {
		a.tick(t, target)
		b.tick(t, target)
		time.Sleep(200 * time.Microsecond)
	}

	require.Equal(t, target, a.scheduler.Frame())
	require.Equal(t, target, b.scheduler.Frame())
	require.GreaterOrEqual(t, a.counters.Value("desync_checks_total"), uint64(wantChecks))
	require.GreaterOrEqual(t, b.counters.Value("desync_checks_total"), uint64(wantChecks))
	require.Zero(t, a.counters.Value("desync_mismatches_total"))
	require.Zero(t, b.counters.Value("desync_mismatches_total"))
	require.Equal(t, events.InSync, a.surface.Sync())
	require.Equal(t, events.InSync, b.surface.Sync())
}
