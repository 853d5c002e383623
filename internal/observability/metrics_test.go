package observability

import (
	"context"
	"io"
	nethttp "net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRouteKeysToCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Add("sim_rollbacks_total", 2)
	m.Store("sim_frame", 42)
	m.Store("sim_rollback_depth", 6)
	m.Add("custom_total", 3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.counters["sim_rollbacks_total"]))
	require.Equal(t, 42.0, testutil.ToFloat64(m.gauges["sim_frame"]))
	require.Equal(t, 1, testutil.CollectAndCount(m.histograms["sim_rollback_depth"]))
	require.Equal(t, uint64(3), m.Unregistered().Value("custom_total"))
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(reg)
	require.NoError(t, err)
	b, err := NewMetrics(reg)
	require.NoError(t, err)
	a.Add("desync_checks_total", 1)
	b.Add("desync_checks_total", 1)
	require.Equal(t, 2.0, testutil.ToFloat64(a.counters["desync_checks_total"]))
}

func TestServeExposesMetrics(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.Store("sim_frame", 7)

	srv, err := Serve(Config{Addr: "127.0.0.1:0"}, m)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	client := &nethttp.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "rollback_arena_sim_frame 7"))
}

func TestServeDisabledWithoutAddr(t *testing.T) {
	srv, err := Serve(Config{}, nil)
	require.NoError(t, err)
	require.Nil(t, srv)
	require.NoError(t, srv.Shutdown(context.Background()))
}
