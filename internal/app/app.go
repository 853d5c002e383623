// Package app assembles the signaling service, the peer process and the
// offline determinism check from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rollback-arena/internal/config"
	"rollback-arena/internal/desync"
	"rollback-arena/internal/events"
	"rollback-arena/internal/input"
	"rollback-arena/internal/net/quicchan"
	"rollback-arena/internal/net/signal"
	"rollback-arena/internal/observability"
	"rollback-arena/internal/session"
	"rollback-arena/internal/sim"
	"rollback-arena/internal/snapshot"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/internal/world"
	"rollback-arena/logging"
	loggingSinks "rollback-arena/logging/sinks"
)

var (
	// ErrDesync ends a run when AbortOnDesync is set and a checksum differs.
	ErrDesync = errors.New("app: simulation desynchronized")
	// ErrPeersLost ends a run once every remote peer disconnected.
	ErrPeersLost = errors.New("app: every remote peer disconnected")
)

// Options carries process-level collaborators. Zero values write events to
// stdout and log through the standard logger.
type Options struct {
	Stdout     io.Writer
	Logger     telemetry.Logger
	Registerer prometheus.Registerer
	// Ready receives the bound address once a listener is open.
	Ready func(addr string)
}

type runtime struct {
	logger  telemetry.Logger
	stdlog  *log.Logger
	router  *logging.Router
	metrics telemetry.Metrics
	server  *observability.Server
	logFile *os.File
}

func start(cfg config.Config, opts Options) (*runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	fallbackLogger := log.Default()
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	rt := &runtime{logger: logger, stdlog: fallbackLogger}
	logConfig := cfg.Logging()
	if err := logConfig.Validate(); err != nil {
		return nil, err
	}
	var sinks []logging.NamedSink
	for _, name := range logConfig.EnabledSinks {
		switch name {
		case "console":
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsoleSink(stdout)})
		case "json":
			var w io.Writer = stdout
			if path := logConfig.JSON.FilePath; path != "" {
				file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, fmt.Errorf("failed to open event log: %w", err)
				}
				rt.logFile = file
				w = file
			}
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(w, logConfig.JSON.FlushInterval)})
		default:
			return nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	rt.router = logging.NewRouter(logging.SystemClock{}, logConfig, fallbackLogger, sinks)

	if cfg.MetricsAddr == "" {
		rt.metrics = telemetry.NewCounters()
		return rt, nil
	}
	metrics, err := observability.NewMetrics(opts.Registerer)
	if err != nil {
		rt.close(context.Background())
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	rt.metrics = metrics
	rt.server, err = observability.Serve(observability.Config{Addr: cfg.MetricsAddr, EnablePprof: cfg.EnablePprof}, metrics)
	if err != nil {
		rt.close(context.Background())
		return nil, err
	}
	logger.Printf("metrics listening on %s", rt.server.Addr())
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rt.server.Shutdown(ctx); err != nil {
		rt.logger.Printf("failed to stop metrics server: %v", err)
	}
	if rt.router != nil {
		if err := rt.router.Close(ctx); err != nil {
			rt.logger.Printf("failed to close logging router: %v", err)
		}
	}
	if rt.logFile != nil {
		_ = rt.logFile.Close()
	}
}

// RunSignal serves the rendezvous service on cfg.SignalAddr until ctx ends.
func RunSignal(ctx context.Context, cfg config.Config, opts Options) error {
	rt, err := start(cfg, opts)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	server := signal.NewServer(signal.ServerConfig{
		RoomCapacity: cfg.Players,
		Logger:       rt.stdlog,
		Metrics:      rt.metrics,
	})

	listener, err := net.Listen("tcp", cfg.SignalAddr)
	if err != nil {
		return fmt.Errorf("signal listen %s: %w", cfg.SignalAddr, err)
	}
	srv := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	rt.logger.Printf("signal listening on %s", listener.Addr())
	if opts.Ready != nil {
		opts.Ready(listener.Addr().String())
	}

	failed := make(chan error, 1)
	go func() {
		failed <- srv.Serve(listener)
	}()
	select {
	case err := <-failed:
		return fmt.Errorf("signal server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("signal shutdown: %w", err)
	}
	return nil
}

// Run joins the configured room, opens QUIC data channels to the roster and
// plays until ctx ends, the frame limit is reached or the session fails.
func Run(ctx context.Context, cfg config.Config, opts Options) (Report, error) {
	rt, err := start(cfg, opts)
	if err != nil {
		return Report{}, err
	}
	defer rt.close(context.WithoutCancel(ctx))

	endpoint, err := quicchan.Listen(cfg.ListenAddr, quicchan.Config{CertSeed: cfg.CertSeed, Logger: rt.logger})
	if err != nil {
		return Report{}, err
	}
	defer endpoint.Close()
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = endpoint.Addr().String()
	}
	if opts.Ready != nil {
		opts.Ready(advertise)
	}

	client, err := signal.Dial(ctx, signal.ClientConfig{
		URL:      cfg.SignalURL,
		Room:     cfg.Room,
		DataAddr: advertise,
		Channels: quicChannels(endpoint),
		Logger:   rt.logger,
	})
	if err != nil {
		return Report{}, err
	}
	defer client.Close()
	rt.logger.Printf("joined room %q as %s", cfg.Room, client.ID())

	return Play(ctx, cfg, client, Deps{
		Publisher: rt.router,
		Metrics:   rt.metrics,
		Logger:    rt.logger,
	})
}

func quicChannels(endpoint *quicchan.Endpoint) signal.ChannelFactory {
	return func(ctx context.Context, self session.PeerID, roster []signal.PeerInfo) (session.Channel, error) {
		peers := make([]quicchan.Peer, 0, len(roster))
		for _, p := range roster {
			peers = append(peers, quicchan.Peer{ID: session.PeerID(p.ID), Addr: p.Addr})
		}
		ch, err := endpoint.Connect(ctx, self, peers)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Deps are the collaborators Play needs beyond the configuration.
type Deps struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Clock     logging.Clock
	// Source drives the local fighter; defaults to a scripted bot seeded
	// with BotSeed.
	Source input.Source
}

// Report summarises a finished session.
type Report struct {
	Frame       tick.Frame
	Confirmed   tick.Frame
	LocalHandle tick.PlayerHandle
	Rollbacks   int
	Cues        int
	Sync        events.SyncState
	Events      []events.Event
	// PeersLeft is set when every remote peer closed its side on purpose.
	PeersLeft bool
}

// Play establishes a session through discovery and runs it.
func Play(ctx context.Context, cfg config.Config, discovery session.Discovery, deps Deps) (Report, error) {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := telemetry.OrNop(deps.Metrics)

	surface := events.NewSurface(publisher, 0)
	est, err := session.NewEstablisher(cfg.Session(), discovery, publisher, session.Options{
		Clock:    deps.Clock,
		Metrics:  metrics,
		Logger:   logger,
		Observer: surface,
	})
	if err != nil {
		return Report{}, err
	}
	establishCtx, cancel := context.WithTimeout(ctx, cfg.EstablishTimeout)
	manager, err := session.Await(establishCtx, est, 100*time.Millisecond, logger)
	cancel()
	if err != nil {
		return Report{}, err
	}
	defer manager.Close()
	sessionPublisher := logging.WithSession(publisher, manager.ID())

	var remotes []tick.PlayerHandle
	for _, b := range manager.Bindings() {
		if !b.Local {
			remotes = append(remotes, b.Handle)
		}
	}
	detector := desync.NewDetector(desync.Config{Interval: cfg.DesyncInterval}, remotes, manager, surface, metrics)

	arena := world.New(world.Config{Seed: cfg.WorldSeed, Players: cfg.Players})
	registry := snapshot.NewRegistry()
	if err := arena.Register(registry); err != nil {
		return Report{}, err
	}
	scheduler, err := sim.NewScheduler(sim.Config{MaxPrediction: cfg.MaxPrediction}, manager, arena, registry, sim.Options{
		Detector:  detector,
		Metrics:   metrics,
		Publisher: sessionPublisher,
	})
	if err != nil {
		return Report{}, err
	}

	source := deps.Source
	if source == nil {
		source = input.NewScriptSource(cfg.BotSeed)
	}
	trigger := &input.EdgeTrigger{}
	report := Report{LocalHandle: manager.LocalHandle()}
	var stopErr error

	runner := sim.NewRunner(scheduler, sim.RunnerConfig{
		TickRate:  cfg.TickRate,
		MaxFrames: tick.Frame(cfg.Frames),
	}, sim.RunnerHooks{
		Sample: func() input.Input {
			return trigger.Apply(input.Encode(source.Keys()))
		},
		Presenter: sim.PresenterFunc(func(result sim.TickResult) {
			if result.Rollback != nil {
				report.Rollbacks++
			}
			report.Cues += len(arena.DrainCues())
		}),
		Stop: func(result sim.TickResult) bool {
			for _, ev := range surface.Drain() {
				report.Events = append(report.Events, ev)
				logger.Printf("frame %d: %s handle=%d peer=%s", ev.Frame, ev.Kind, ev.Handle, ev.Peer)
			}
			var stop bool
			stop, report.PeersLeft, stopErr = shouldStop(cfg, manager, surface.Sync(), remotes, result)
			return stop
		},
	}, deps.Clock, logger)

	err = runner.Run(ctx)
	report.Frame = scheduler.Frame()
	report.Confirmed = manager.ConfirmedFrame()
	report.Sync = surface.Sync()
	if err == nil {
		err = stopErr
	}
	return report, err
}

// peerView is the part of the session the stop policy reads.
type peerView interface {
	State() session.State
	DisconnectCause(handle tick.PlayerHandle) error
}

// shouldStop applies the end-of-session policy after a tick. When every
// remote left on purpose during a frame-limited run, the frames whose inputs
// already arrived are still played and the run ends cleanly at the first
// tick that stalls on the prediction window.
func shouldStop(cfg config.Config, sess peerView, sync events.SyncState, remotes []tick.PlayerHandle, result sim.TickResult) (stop, left bool, err error) {
	if cfg.AbortOnDesync && sync == events.Desynced {
		return true, false, fmt.Errorf("%w at frame %d", ErrDesync, result.Frame)
	}
	if sess.State() != session.Faulted {
		return false, false, nil
	}
	departed, lost := 0, 0
	for _, h := range remotes {
		cause := sess.DisconnectCause(h)
		if cause == nil {
			continue
		}
		lost++
		if errors.Is(cause, session.ErrPeerLeft) {
			departed++
		}
	}
	switch {
	case len(remotes) > 0 && departed == len(remotes) && cfg.Frames > 0:
		return result.Stalled, true, nil
	case len(remotes) > 0 && lost == len(remotes):
		return true, departed == len(remotes), fmt.Errorf("%w at frame %d", ErrPeersLost, result.Frame)
	default:
		return true, false, fmt.Errorf("session faulted at frame %d", result.Frame)
	}
}

// RunSyncTest steps the arena offline with scripted players, rolling back
// distance frames every tick to prove the registered state is complete.
func RunSyncTest(ctx context.Context, cfg config.Config, frames, distance int, opts Options) error {
	rt, err := start(cfg, opts)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	arena := world.New(world.Config{Seed: cfg.WorldSeed, Players: cfg.Players})
	registry := snapshot.NewRegistry()
	if err := arena.Register(registry); err != nil {
		return err
	}
	check, err := sim.NewSyncTest(sim.SyncTestConfig{NumPlayers: cfg.Players, CheckDistance: distance}, arena, registry, sim.Options{
		Metrics:   rt.metrics,
		Publisher: rt.router,
	})
	if err != nil {
		return err
	}
	sources := make([]*input.ScriptSource, cfg.Players)
	triggers := make([]input.EdgeTrigger, cfg.Players)
	for i := range sources {
		sources[i] = input.NewScriptSource(cfg.BotSeed + int64(i))
	}
	inputs := make([]input.Input, cfg.Players)
	for int(check.Frame()) < frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, src := range sources {
			inputs[i] = triggers[i].Apply(input.Encode(src.Keys()))
		}
		if err := check.Advance(ctx, inputs); err != nil {
			return err
		}
		arena.DrainCues()
	}
	rt.logger.Printf("synctest passed: %d frames, check distance %d", frames, distance)
	return nil
}
