// Package observability exports the component counters through Prometheus.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollback-arena/internal/telemetry"
)

const namespace = "rollback_arena"

var counterKeys = map[string]string{
	"sim_rollbacks_total":               "Rollbacks performed after a misprediction.",
	"sim_resimulated_frames_total":      "Frames resimulated during rollbacks.",
	"sim_prediction_stalls_total":       "Ticks refused because the prediction window was full.",
	"sim_snapshot_evictions_total":      "Snapshots dropped from the rollback ring.",
	"sim_skipped_ticks_total":           "Ticks skipped on a wait recommendation.",
	"sim_tick_budget_overruns_total":    "Ticks that exceeded their time budget.",
	"sim_synctest_checks_total":         "Frames compared by the sync test.",
	"session_datagrams_sent_total":      "Datagrams sent to peers.",
	"session_datagrams_received_total":  "Datagrams accepted from peers.",
	"session_datagrams_dropped_total":   "Datagrams dropped before reaching the session.",
	"session_send_errors_total":         "Datagram send failures.",
	"session_decode_errors_total":       "Datagrams that failed to decode.",
	"session_inbox_overflow_total":      "Datagrams rejected by a full inbox.",
	"session_network_interrupts_total":  "Peers that went quiet.",
	"session_disconnects_total":         "Peers lost for good.",
	"desync_checks_total":               "Checksum comparisons with peers.",
	"desync_mismatches_total":           "Checksum comparisons that disagreed.",
	"signal_rejected_total":             "Signaling joins or messages rejected.",
}

var gaugeKeys = map[string]string{
	"sim_frame":               "Next frame to be simulated.",
	"sim_confirmed_frame":     "Highest frame confirmed for every player.",
	"sim_prediction_depth":    "Frames currently simulated on predicted input.",
	"sim_history_frames":      "Frames held in the input history.",
	"session_inbox_occupancy": "Datagrams waiting in the session inbox.",
	"session_confirmed_frame": "Highest frame confirmed by the session.",
	"desync_reported_frame":   "Latest frame whose checksum was reported.",
	"signal_rooms_open":       "Open signaling rooms.",
	"signal_peers_connected":  "Peers connected to the signaling service.",
}

var histogramKeys = map[string]prometheus.HistogramOpts{
	"sim_rollback_depth": {
		Help:    "Frames resimulated per rollback.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 12, 16},
	},
}

// Metrics implements telemetry.Metrics on top of Prometheus collectors.
// Keys without a collector are kept in plain counters.
type Metrics struct {
	gatherer   prometheus.Gatherer
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
	other      *telemetry.Counters
}

// NewMetrics registers every known collector against reg. A nil reg uses a
// fresh registry that also carries the Go runtime and process collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		fresh := prometheus.NewRegistry()
		fresh.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg = fresh
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{
		gatherer:   gatherer,
		counters:   make(map[string]prometheus.Counter, len(counterKeys)),
		gauges:     make(map[string]prometheus.Gauge, len(gaugeKeys)),
		histograms: make(map[string]prometheus.Histogram, len(histogramKeys)),
		other:      telemetry.NewCounters(),
	}
	for key, help := range counterKeys {
		c, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: key, Help: help}), key)
		if err != nil {
			return nil, err
		}
		m.counters[key] = c
	}
	for key, help := range gaugeKeys {
		g, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: key, Help: help}), key)
		if err != nil {
			return nil, err
		}
		m.gauges[key] = g
	}
	for key, opts := range histogramKeys {
		opts.Namespace = namespace
		opts.Name = key
		h, err := registerHistogram(reg, prometheus.NewHistogram(opts), key)
		if err != nil {
			return nil, err
		}
		m.histograms[key] = h
	}
	return m, nil
}

// Add increments the counter registered for key.
func (m *Metrics) Add(key string, delta uint64) {
	if c, ok := m.counters[key]; ok {
		c.Add(float64(delta))
		return
	}
	m.other.Add(key, delta)
}

// Store sets the gauge for key, or records an observation for histograms.
func (m *Metrics) Store(key string, value uint64) {
	if g, ok := m.gauges[key]; ok {
		g.Set(float64(value))
		return
	}
	if h, ok := m.histograms[key]; ok {
		h.Observe(float64(value))
		return
	}
	m.other.Store(key, value)
}

// Unregistered exposes values recorded under keys without a collector.
func (m *Metrics) Unregistered() *telemetry.Counters { return m.other }

// Gatherer returns the gatherer backing Handler.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() nethttp.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Server exposes /metrics and optionally pprof.
type Server struct {
	http     *nethttp.Server
	listener net.Listener
	done     chan error
	once     sync.Once
}

// Serve starts the metrics endpoint on cfg.Addr. It returns nil when no
// address is configured.
func Serve(cfg Config, m *Metrics) (*Server, error) {
	if cfg.Addr == "" || m == nil {
		return nil, nil
	}
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("observability: listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		http:     &nethttp.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
		done:     make(chan error, 1),
	}
	go func() {
		err := s.http.Serve(listener)
		if errors.Is(err, nethttp.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return s, nil
}

// Addr reports the bound address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		err = s.http.Shutdown(ctx)
		if serveErr := <-s.done; err == nil {
			err = serveErr
		}
	})
	return err
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, histogram prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(histogram); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return histogram, nil
}

var _ telemetry.Metrics = (*Metrics)(nil)
