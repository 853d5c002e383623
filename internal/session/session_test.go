package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollback-arena/internal/input"
	"rollback-arena/internal/net/loopback"
	"rollback-arena/internal/session"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
	sessionlog "rollback-arena/logging/session"
	"rollback-arena/logging/sinks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	synchronized []tick.PlayerHandle
	interrupted  []tick.PlayerHandle
	resumed      []tick.PlayerHandle
	disconnected []string
	waits        []int
}

func (o *recordingObserver) PeerSynchronized(_ tick.Frame, h tick.PlayerHandle, _ session.PeerID) {
	o.synchronized = append(o.synchronized, h)
}

func (o *recordingObserver) PeerInterrupted(_ tick.Frame, h tick.PlayerHandle, _ session.PeerID, _ time.Duration) {
	o.interrupted = append(o.interrupted, h)
}

func (o *recordingObserver) PeerResumed(_ tick.Frame, h tick.PlayerHandle, _ session.PeerID) {
	o.resumed = append(o.resumed, h)
}

func (o *recordingObserver) PeerDisconnected(_ tick.Frame, _ tick.PlayerHandle, _ session.PeerID, reason string) {
	o.disconnected = append(o.disconnected, reason)
}

func (o *recordingObserver) WaitRecommended(_ tick.Frame, skip int, _ int) {
	o.waits = append(o.waits, skip)
}

type pair struct {
	network *loopback.Network
	a, b    *session.Manager
	obsA    *recordingObserver
	obsB    *recordingObserver
}

func startPair(t *testing.T, cfg session.Config, netOpts loopback.Options, clock logging.Clock) pair {
	t.Helper()
	network := loopback.NewNetwork(netOpts)
	epA := network.Join("peer-a")
	epB := network.Join("peer-b")
	obsA := &recordingObserver{}
	obsB := &recordingObserver{}

	start := func(ep *loopback.Endpoint, obs *recordingObserver) *session.Manager {
		est, err := session.NewEstablisher(cfg, ep.Discovery(), nil, session.Options{Clock: clock, Observer: obs})
		require.NoError(t, err)
		m, err := est.Poll(context.Background())
		require.NoError(t, err)
		require.NotNil(t, m)
		require.Equal(t, session.Active, est.State())
		t.Cleanup(func() { _ = m.Close() })
		return m
	}
	return pair{network: network, a: start(epA, obsA), b: start(epB, obsB), obsA: obsA, obsB: obsB}
}

func pollUntil(t *testing.T, m *session.Manager, frame tick.Frame, cond func(session.Update) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(m.Poll(frame)) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBindOrdersByPeerID(t *testing.T) {
	bindings, err := session.Bind([]session.Player{
		{Kind: session.Remote, Peer: "zulu"},
		{Kind: session.Local, Peer: "alpha"},
	})
	require.NoError(t, err)
	require.Equal(t, []session.Binding{
		{Handle: 0, Peer: "alpha", Local: true},
		{Handle: 1, Peer: "zulu"},
	}, bindings)

	mirrored, err := session.Bind([]session.Player{
		{Kind: session.Local, Peer: "zulu"},
		{Kind: session.Remote, Peer: "alpha"},
	})
	require.NoError(t, err)
	require.Equal(t, tick.PlayerHandle(1), mirrored[1].Handle)
	require.True(t, mirrored[1].Local)
}

func TestBindRejectsBadRosters(t *testing.T) {
	_, err := session.Bind([]session.Player{{Kind: session.Local, Peer: "a"}, {Kind: session.Remote, Peer: "a"}})
	require.ErrorIs(t, err, session.ErrInvalidHandle)

	_, err = session.Bind([]session.Player{{Kind: session.Remote, Peer: "a"}, {Kind: session.Remote, Peer: "b"}})
	require.ErrorIs(t, err, session.ErrInvalidRoster)
}

func TestEstablisherAwaitsFullRoster(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{})
	ep := network.Join("solo")
	memory := sinks.NewMemorySink()
	est, err := session.NewEstablisher(session.DefaultConfig(), ep.Discovery(), memory, session.Options{})
	require.NoError(t, err)

	m, err := est.Poll(context.Background())
	require.NoError(t, err)
	require.Nil(t, m)
	require.Equal(t, session.AwaitingPeers, est.State())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = session.Await(ctx, est, 5*time.Millisecond, nil)
	require.ErrorIs(t, err, session.ErrRosterIncomplete)
	require.Equal(t, session.Faulted, est.State())
}

func TestEstablisherRejectsOverfullRoster(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{})
	ep := network.Join("a")
	network.Join("b")
	network.Join("c")
	est, err := session.NewEstablisher(session.DefaultConfig(), ep.Discovery(), nil, session.Options{})
	require.NoError(t, err)
	_, err = est.Poll(context.Background())
	require.ErrorIs(t, err, session.ErrRosterOverfull)
}

func TestEstablisherPublishesJoinAndStart(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{})
	ep := network.Join("a")
	network.Join("b")
	memory := sinks.NewMemorySink()
	est, err := session.NewEstablisher(session.DefaultConfig(), ep.Discovery(), memory, session.Options{SessionID: "s-1"})
	require.NoError(t, err)
	m, err := est.Poll(context.Background())
	require.NoError(t, err)
	defer m.Close()

	require.Len(t, memory.OfType(sessionlog.EventPeerJoined), 1)
	started := memory.OfType(sessionlog.EventStarted)
	require.Len(t, started, 1)
	require.Equal(t, "s-1", started[0].SessionID)
	payload, ok := started[0].Payload.(sessionlog.StartedPayload)
	require.True(t, ok)
	require.Equal(t, 0, payload.LocalHandle)
	require.Equal(t, []string{"a", "b"}, payload.Peers)
}

func TestInputsAreDelayedAndConfirmed(t *testing.T) {
	p := startPair(t, session.DefaultConfig(), loopback.Options{}, nil)
	require.Equal(t, tick.PlayerHandle(0), p.a.LocalHandle())
	require.Equal(t, tick.PlayerHandle(1), p.b.LocalHandle())

	for f := tick.Frame(0); f < 5; f++ {
		p.a.AddLocalInput(f, input.Input(f)+1)
	}
	got := map[tick.Frame]input.Input{}
	pollUntil(t, p.b, 0, func(u session.Update) bool {
		for _, c := range u.Inputs {
			require.Equal(t, tick.PlayerHandle(0), c.Handle)
			got[c.Frame] = c.Input
		}
		return len(got) == 5
	})
	for f := tick.Frame(0); f < 5; f++ {
		require.Equal(t, input.Input(f)+1, got[f+2], "frame %d", f+2)
	}

	in, confirmed := p.b.Input(0, 1)
	require.True(t, confirmed)
	require.Equal(t, input.Input(0), in)

	in, confirmed = p.b.Input(0, 9)
	require.False(t, confirmed)
	require.Equal(t, input.Input(5), in, "prediction repeats the last confirmed input")

	// Handle 1 has sent nothing beyond the implicit delay frames.
	require.Equal(t, tick.Frame(1), p.b.ConfirmedFrame())
	require.Equal(t, []tick.PlayerHandle{0}, p.obsB.synchronized)
}

func TestLossyReorderingChannelDeliversEveryInput(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.MaxPrediction = 64
	cfg.KeepAliveInterval = time.Millisecond
	p := startPair(t, cfg, loopback.Options{Seed: 7, DropRate: 0.3, ReorderRate: 0.25}, nil)

	const frames = 40
	for f := tick.Frame(0); f < frames; f++ {
		p.a.AddLocalInput(f, input.Input(f%16))
		p.b.AddLocalInput(f, input.Input((f*3)%16))
		p.a.Poll(f)
		p.b.Poll(f)
	}
	last := tick.Frame(frames + cfg.InputDelay - 1)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (p.a.ConfirmedFrame() < last || p.b.ConfirmedFrame() < last) {
		p.a.Poll(frames)
		p.b.Poll(frames)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, last, p.a.ConfirmedFrame())
	require.Equal(t, last, p.b.ConfirmedFrame())
	for f := tick.Frame(0); f < frames; f++ {
		in, ok := p.b.Input(0, f+2)
		require.True(t, ok)
		require.Equal(t, input.Input(f%16), in)
		in, ok = p.a.Input(1, f+2)
		require.True(t, ok)
		require.Equal(t, input.Input((f*3)%16), in)
	}
}

func TestSilenceInterruptsThenDisconnects(t *testing.T) {
	clock := newFakeClock()
	p := startPair(t, session.DefaultConfig(), loopback.Options{}, clock)

	p.b.AddLocalInput(0, 0)
	pollUntil(t, p.a, 0, func(u session.Update) bool { return len(u.Inputs) > 0 })

	p.network.Cut("peer-b")
	clock.Advance(600 * time.Millisecond)
	p.a.Poll(1)
	require.Equal(t, []tick.PlayerHandle{1}, p.obsA.interrupted)
	status, err := p.a.PeerStatus(1)
	require.NoError(t, err)
	require.Equal(t, session.PeerInterrupted, status)
	require.Equal(t, session.Active, p.a.State())

	p.network.Restore("peer-b")
	p.b.Poll(1)
	pollUntil(t, p.a, 1, func(session.Update) bool { return len(p.obsA.resumed) == 1 })

	p.network.Cut("peer-b")
	clock.Advance(2100 * time.Millisecond)
	p.a.Poll(2)
	require.Len(t, p.obsA.disconnected, 1)
	require.Equal(t, session.Faulted, p.a.State())
	status, _ = p.a.PeerStatus(1)
	require.Equal(t, session.PeerDisconnected, status)
}

func TestTransportErrorFaultsSession(t *testing.T) {
	network := loopback.NewNetwork(loopback.Options{})
	epA := network.Join("a")
	network.Join("b")
	obs := &recordingObserver{}
	est, err := session.NewEstablisher(session.DefaultConfig(), epA.Discovery(), nil, session.Options{Observer: obs})
	require.NoError(t, err)
	m, err := est.Poll(context.Background())
	require.NoError(t, err)
	defer m.Close()

	epA.Fail(errors.New("socket reset"))
	pollUntil(t, m, 3, func(session.Update) bool { return m.State() == session.Faulted })
	require.Len(t, obs.disconnected, 1)
	require.Contains(t, obs.disconnected[0], "socket reset")
}

func TestPeerDepartureDisconnectsOnlyThatPeer(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.NumPlayers = 3
	network := loopback.NewNetwork(loopback.Options{})
	epA := network.Join("a")
	epB := network.Join("b")
	network.Join("c")

	obs := &recordingObserver{}
	start := func(ep *loopback.Endpoint, obs session.Observer) *session.Manager {
		est, err := session.NewEstablisher(cfg, ep.Discovery(), nil, session.Options{Observer: obs})
		require.NoError(t, err)
		m, err := est.Poll(context.Background())
		require.NoError(t, err)
		require.NotNil(t, m)
		t.Cleanup(func() { _ = m.Close() })
		return m
	}
	a := start(epA, obs)
	b := start(epB, nil)

	epA.Fail(&session.PeerError{Peer: "c", Err: session.ErrPeerLeft})
	pollUntil(t, a, 0, func(session.Update) bool { return len(obs.disconnected) == 1 })

	status, err := a.PeerStatus(2)
	require.NoError(t, err)
	require.Equal(t, session.PeerDisconnected, status)
	require.ErrorIs(t, a.DisconnectCause(2), session.ErrPeerLeft)
	status, err = a.PeerStatus(1)
	require.NoError(t, err)
	require.Equal(t, session.PeerConnected, status)
	require.NoError(t, a.DisconnectCause(1))

	// The channel keeps delivering from the remaining peer.
	b.AddLocalInput(0, input.Input(5))
	pollUntil(t, a, 0, func(u session.Update) bool {
		for _, c := range u.Inputs {
			if c.Handle == 1 && c.Input == input.Input(5) {
				return true
			}
		}
		return false
	})
	require.Len(t, obs.disconnected, 1)
}

func TestWaitRecommendationWhenAhead(t *testing.T) {
	p := startPair(t, session.DefaultConfig(), loopback.Options{}, nil)
	p.b.AddLocalInput(5, 0)

	var skip int
	pollUntil(t, p.a, 20, func(u session.Update) bool {
		skip = u.WaitFrames
		return skip > 0
	})
	require.Equal(t, 7, skip)
	require.Equal(t, []int{7}, p.obsA.waits)

	// Spaced by the wait interval.
	require.Zero(t, p.a.Poll(21).WaitFrames)
}

func TestChecksumReportsReachPeer(t *testing.T) {
	p := startPair(t, session.DefaultConfig(), loopback.Options{}, nil)
	p.a.ReportChecksum(10, 0xabc)
	var reports []session.ChecksumReport
	pollUntil(t, p.b, 12, func(u session.Update) bool {
		reports = append(reports, u.Checksums...)
		return len(reports) > 0
	})
	require.Equal(t, session.ChecksumReport{Handle: 0, Frame: 10, Checksum: 0xabc}, reports[0])
}

func TestConfigValidate(t *testing.T) {
	cfg := session.DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.NumPlayers = 1
	require.ErrorIs(t, cfg.Validate(), session.ErrInvalidConfig)
	cfg = session.DefaultConfig()
	cfg.MaxPrediction = 0
	require.ErrorIs(t, cfg.Validate(), session.ErrInvalidConfig)
}
