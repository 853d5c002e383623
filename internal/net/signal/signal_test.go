package signal

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollback-arena/internal/net/loopback"
	"rollback-arena/internal/session"
	"rollback-arena/internal/telemetry"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, string) {
	t.Helper()
	var next atomic.Int64
	if cfg.NewID == nil {
		cfg.NewID = func() string { return fmt.Sprintf("peer-%d", next.Add(1)) }
	}
	srv := NewServer(cfg)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func join(t *testing.T, url, room, addr string, channels ChannelFactory) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ClientConfig{URL: url, Room: room, DataAddr: addr, Channels: channels})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRosterReachesEveryMember(t *testing.T) {
	counters := telemetry.NewCounters()
	_, url := startServer(t, ServerConfig{Metrics: counters})
	a := join(t, url, "lobby", "127.0.0.1:4001", nil)
	b := join(t, url, "lobby", "127.0.0.1:4002", nil)

	require.Eventually(t, func() bool { return len(a.Players()) == 2 && len(b.Players()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []PeerInfo{{ID: "peer-1", Addr: "127.0.0.1:4001"}, {ID: "peer-2", Addr: "127.0.0.1:4002"}}, a.Roster())

	players := b.Players()
	require.Equal(t, session.Player{Kind: session.Remote, Peer: "peer-1"}, players[0])
	require.Equal(t, session.Player{Kind: session.Local, Peer: "peer-2"}, players[1])
	require.Equal(t, uint64(2), counters.Value(metricPeersConnected))
}

func TestFullRoomRejectsJoin(t *testing.T) {
	srv, url := startServer(t, ServerConfig{RoomCapacity: 2})
	join(t, url, "duel", "a:1", nil)
	join(t, url, "duel", "b:1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientConfig{URL: url, Room: "duel", DataAddr: "c:1"})
	require.Error(t, err)
	require.Len(t, srv.Rooms()["duel"], 2)
}

func TestLeavingShrinksRoster(t *testing.T) {
	_, url := startServer(t, ServerConfig{})
	a := join(t, url, "lobby", "a:1", nil)
	b := join(t, url, "lobby", "b:1", nil)
	require.Eventually(t, func() bool { return len(a.Players()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return len(a.Players()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPingRefreshesRTT(t *testing.T) {
	_, url := startServer(t, ServerConfig{})
	a := join(t, url, "lobby", "a:1", nil)
	require.NoError(t, a.Ping())
	require.Eventually(t, func() bool { return a.RTT() > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRateLimitClosesConnection(t *testing.T) {
	_, url := startServer(t, ServerConfig{MessageRate: 1, MessageBurst: 2})
	a := join(t, url, "lobby", "a:1", nil)
	for i := 0; i < 5; i++ {
		_ = a.Ping()
	}
	select {
	case <-a.Done():
		require.ErrorIs(t, a.Err(), ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the server to close a flooding client")
	}
}

func TestEstablishesSessionThroughSignaling(t *testing.T) {
	_, url := startServer(t, ServerConfig{})
	network := loopback.NewNetwork(loopback.Options{})
	factory := func(_ context.Context, self session.PeerID, _ []PeerInfo) (session.Channel, error) {
		return network.Join(self), nil
	}
	a := join(t, url, "lobby", "a:1", factory)
	join(t, url, "lobby", "b:1", factory)

	est, err := session.NewEstablisher(session.DefaultConfig(), a, nil, session.Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := session.Await(ctx, est, 5*time.Millisecond, nil)
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, session.Active, m.State())
	require.Equal(t, a.ID(), m.Bindings()[m.LocalHandle()].Peer)
}
