package quicchan

import (
	"context"
	"errors"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"rollback-arena/internal/session"
)

func TestClientTLSRejectsForeignCertificate(t *testing.T) {
	conf, err := clientTLSConfig("seed-a")
	require.NoError(t, err)
	_, other, err := devCertificate("seed-b")
	require.NoError(t, err)
	require.Error(t, conf.VerifyPeerCertificate([][]byte{other}, nil))

	_, own, err := devCertificate("seed-a")
	require.NoError(t, err)
	require.NoError(t, conf.VerifyPeerCertificate([][]byte{own}, nil))
}

func connectPair(t *testing.T, ctx context.Context) (*Channel, *Channel) {
	t.Helper()
	a, err := Listen("127.0.0.1:0", Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Listen("127.0.0.1:0", Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	peers := []Peer{
		{ID: "a", Addr: a.Addr().String()},
		{ID: "b", Addr: b.Addr().String()},
	}
	type result struct {
		ch  *Channel
		err error
	}
	bDone := make(chan result, 1)
	go func() {
		ch, err := b.Connect(ctx, "b", peers)
		bDone <- result{ch, err}
	}()
	chA, err := a.Connect(ctx, "a", peers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chA.Close() })
	rb := <-bDone
	require.NoError(t, rb.err)
	t.Cleanup(func() { _ = rb.ch.Close() })
	return chA, rb.ch
}

func TestDatagramsFlowBetweenPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chA, chB := connectPair(t, ctx)

	// Datagrams are unreliable; resend until one lands.
	got := make(chan session.Packet, 1)
	go func() {
		pkt, err := chB.Receive(ctx)
		if err == nil {
			got <- pkt
		}
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		require.NoError(t, chA.Send("b", []byte("hello")))
		select {
		case pkt := <-got:
			require.Equal(t, session.PeerID("a"), pkt.From)
			require.Equal(t, []byte("hello"), pkt.Data)
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatalf("no datagram received: %v", ctx.Err())
		}
	}
}

func TestCloseIsReportedAsPeerLeaving(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chA, chB := connectPair(t, ctx)

	require.NoError(t, chA.Close())
	for {
		_, err := chB.Receive(ctx)
		if err == nil {
			continue
		}
		var peerErr *session.PeerError
		require.True(t, errors.As(err, &peerErr), "unexpected error %v", err)
		require.Equal(t, session.PeerID("a"), peerErr.Peer)
		require.ErrorIs(t, err, session.ErrPeerLeft)
		return
	}
}

func TestPeerFailureClassification(t *testing.T) {
	left := peerFailure("a", &quic.ApplicationError{Remote: true, ErrorCode: closeCodeBye, ErrorMessage: "bye"})
	require.ErrorIs(t, left, session.ErrPeerLeft)

	rejected := peerFailure("a", &quic.ApplicationError{Remote: true, ErrorCode: closeCodeReject})
	require.NotErrorIs(t, rejected, session.ErrPeerLeft)

	local := peerFailure("a", &quic.ApplicationError{Remote: false, ErrorCode: closeCodeBye})
	require.NotErrorIs(t, local, session.ErrPeerLeft)

	var peerErr *session.PeerError
	require.True(t, errors.As(local, &peerErr))
	require.Equal(t, session.PeerID("a"), peerErr.Peer)
}
