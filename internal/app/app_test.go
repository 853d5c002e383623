package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollback-arena/internal/config"
	"rollback-arena/internal/events"
	"rollback-arena/internal/net/loopback"
	"rollback-arena/internal/session"
	"rollback-arena/internal/sim"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
)

func quietLogger() telemetry.Logger {
	return telemetry.LoggerFunc(func(string, ...any) {})
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TickRate = 240
	cfg.Frames = 60
	cfg.EstablishTimeout = 2 * time.Second
	return cfg
}

type playResult struct {
	report Report
	err    error
}

func TestPlayTwoPeersOverLoopback(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{Seed: 3})
	a := network.Join("peer-a")
	b := network.Join("peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(chan playResult, 2)
	for i, ep := range []*loopback.Endpoint{a, b} {
		cfg := testConfig(t)
		cfg.BotSeed = int64(i + 1)
		discovery := ep.Discovery()
		go func() {
			report, err := Play(ctx, cfg, discovery, Deps{Logger: quietLogger(), Metrics: telemetry.NewCounters()})
			results <- playResult{report: report, err: err}
		}()
	}

	handles := map[tick.PlayerHandle]bool{}
	for range 2 {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, tick.Frame(60), res.report.Frame)
		require.Equal(t, events.InSync, res.report.Sync)
		handles[res.report.LocalHandle] = true
	}
	require.Len(t, handles, 2)
}

func TestPlayEndsCleanlyWhenPeerLeavesEarly(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{Seed: 5})
	a := network.Join("peer-a")
	b := network.Join("peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	short, long := make(chan playResult, 1), make(chan playResult, 1)
	for i, run := range []struct {
		ep     *loopback.Endpoint
		frames int
		out    chan playResult
	}{{a, 30, short}, {b, 60, long}} {
		cfg := testConfig(t)
		cfg.Frames = run.frames
		cfg.BotSeed = int64(i + 1)
		discovery := run.ep.Discovery()
		out := run.out
		go func() {
			report, err := Play(ctx, cfg, discovery, Deps{Logger: quietLogger()})
			out <- playResult{report: report, err: err}
		}()
	}

	first := <-short
	require.NoError(t, first.err)
	require.Equal(t, tick.Frame(30), first.report.Frame)

	second := <-long
	require.NoError(t, second.err)
	require.True(t, second.report.PeersLeft)
	require.GreaterOrEqual(t, second.report.Frame, tick.Frame(30))
	require.Less(t, second.report.Frame, tick.Frame(60))
	require.NoError(t, ctx.Err())
}

type fakePeers struct {
	state  session.State
	causes map[tick.PlayerHandle]error
}

func (f fakePeers) State() session.State { return f.state }

func (f fakePeers) DisconnectCause(h tick.PlayerHandle) error { return f.causes[h] }

func TestShouldStopPolicy(t *testing.T) {
	remotes := []tick.PlayerHandle{1, 2}
	left := map[tick.PlayerHandle]error{1: session.ErrPeerLeft, 2: session.ErrPeerLeft}
	mixed := map[tick.PlayerHandle]error{1: session.ErrPeerLeft, 2: errors.New("no datagrams for 2s")}
	partial := map[tick.PlayerHandle]error{1: session.ErrPeerLeft}

	cases := []struct {
		name     string
		frames   int
		abort    bool
		sync     events.SyncState
		peers    fakePeers
		stalled  bool
		wantStop bool
		wantLeft bool
		wantErr  error
	}{
		{name: "active session keeps running", frames: 60, peers: fakePeers{state: session.Active}},
		{name: "desync aborts when asked", frames: 60, abort: true, sync: events.Desynced,
			peers: fakePeers{state: session.Active}, wantStop: true, wantErr: ErrDesync},
		{name: "desync is tolerated by default", frames: 60, sync: events.Desynced,
			peers: fakePeers{state: session.Active}},
		{name: "departed peers let buffered frames play", frames: 60,
			peers: fakePeers{state: session.Faulted, causes: left}, wantLeft: true},
		{name: "departed peers stop at the first stall", frames: 60, stalled: true,
			peers: fakePeers{state: session.Faulted, causes: left}, wantStop: true, wantLeft: true},
		{name: "unbounded run treats departure as loss", frames: 0,
			peers: fakePeers{state: session.Faulted, causes: left}, wantStop: true, wantLeft: true, wantErr: ErrPeersLost},
		{name: "broken peer is a loss", frames: 60,
			peers: fakePeers{state: session.Faulted, causes: mixed}, wantStop: true, wantErr: ErrPeersLost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Frames = tc.frames
			cfg.AbortOnDesync = tc.abort
			stop, gone, err := shouldStop(cfg, tc.peers, tc.sync, remotes, sim.TickResult{Frame: 12, Stalled: tc.stalled})
			require.Equal(t, tc.wantStop, stop)
			require.Equal(t, tc.wantLeft, gone)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	stop, _, err := shouldStop(testConfig(t), fakePeers{state: session.Faulted, causes: partial}, events.InSync, remotes, sim.TickResult{Frame: 3})
	require.True(t, stop)
	require.ErrorContains(t, err, "session faulted at frame 3")
}

func TestPlayFailsWithoutFullRoster(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{Seed: 1})
	ep := network.Join("alone")
	cfg := testConfig(t)
	cfg.EstablishTimeout = 50 * time.Millisecond

	_, err := Play(context.Background(), cfg, ep.Discovery(), Deps{Logger: quietLogger()})
	require.Error(t, err)
}

func TestRunSyncTestPasses(t *testing.T) {
	cfg := testConfig(t)
	err := RunSyncTest(context.Background(), cfg, 120, 6, Options{Stdout: io.Discard, Logger: quietLogger()})
	require.NoError(t, err)
}

func TestRunSyncTestWritesJSONEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogSinks = []string{"json"}
	cfg.LogJSONPath = filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, RunSyncTest(context.Background(), cfg, 30, 2, Options{Logger: quietLogger()}))
	_, err := os.Stat(cfg.LogJSONPath)
	require.NoError(t, err)
}

func TestUnknownSinkRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogSinks = []string{"carrier-pigeon"}
	err := RunSyncTest(context.Background(), cfg, 1, 1, Options{Logger: quietLogger()})
	require.ErrorContains(t, err, "carrier-pigeon")
}

func TestRunSignalServesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.SignalAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- RunSignal(ctx, cfg, Options{
			Stdout: io.Discard,
			Logger: quietLogger(),
			Ready:  func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("signal exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("signal never became ready")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not stop")
	}
}
