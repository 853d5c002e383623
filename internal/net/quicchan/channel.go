// Package quicchan carries session datagrams between peers over QUIC
// connections with the unreliable datagram extension enabled.
package quicchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"rollback-arena/internal/session"
	"rollback-arena/internal/telemetry"
)

const (
	defaultCertSeed = "rollback-arena-dev-key"
	helloLimit      = 256
	closeCodeBye    = 0
	closeCodeReject = 1
)

// Peer is a remote endpoint as reported by signaling.
type Peer struct {
	ID   session.PeerID
	Addr string
}

// Config tunes the QUIC transport.
type Config struct {
	CertSeed       string
	HandshakeIdle  time.Duration
	MaxIdleTimeout time.Duration
	KeepAlive      time.Duration
	Logger         telemetry.Logger
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: c.HandshakeIdle,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlive,
	}
}

// Endpoint listens for inbound peer connections.
type Endpoint struct {
	cfg      Config
	listener *quic.Listener
	logger   telemetry.Logger
}

// Listen opens a QUIC listener on addr.
func Listen(addr string, cfg Config) (*Endpoint, error) {
	if cfg.CertSeed == "" {
		cfg.CertSeed = defaultCertSeed
	}
	if cfg.HandshakeIdle <= 0 {
		cfg.HandshakeIdle = 5 * time.Second
	}
	if cfg.MaxIdleTimeout <= 0 {
		cfg.MaxIdleTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Second
	}
	tlsConf, err := serverTLSConfig(cfg.CertSeed)
	if err != nil {
		return nil, fmt.Errorf("quicchan: tls: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicchan: listen %s: %w", addr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return &Endpoint{cfg: cfg, listener: listener, logger: logger}, nil
}

// Addr reports the bound UDP address.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Close stops accepting connections.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}

// Connect establishes one connection per peer. The peer with the smaller id
// dials and announces itself on a short-lived stream; the other accepts.
func (e *Endpoint) Connect(ctx context.Context, self session.PeerID, peers []Peer) (*Channel, error) {
	ch := &Channel{
		conns:   make(map[session.PeerID]*quic.Conn, len(peers)),
		packets: make(chan session.Packet, 256),
		failed:  make(chan error, len(peers)),
		closed:  make(chan struct{}),
		logger:  e.logger,
	}

	inbound := 0
	for _, p := range peers {
		if p.ID == self {
			continue
		}
		if self > p.ID {
			inbound++
			continue
		}
		conn, err := e.dial(ctx, self, p)
		if err != nil {
			ch.closeConns("dial failed")
			return nil, err
		}
		ch.conns[p.ID] = conn
	}
	for inbound > 0 {
		id, conn, err := e.accept(ctx)
		if err != nil {
			ch.closeConns("accept failed")
			return nil, err
		}
		if _, dup := ch.conns[id]; dup || !expected(peers, self, id) {
			_ = conn.CloseWithError(closeCodeReject, "unexpected peer")
			continue
		}
		ch.conns[id] = conn
		inbound--
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	for id, conn := range ch.conns {
		ch.wg.Add(1)
		go ch.pump(ctx, id, conn)
	}
	return ch, nil
}

func expected(peers []Peer, self, id session.PeerID) bool {
	for _, p := range peers {
		if p.ID == id && p.ID < self {
			return true
		}
	}
	return false
}

func (e *Endpoint) dial(ctx context.Context, self session.PeerID, p Peer) (*quic.Conn, error) {
	tlsConf, err := clientTLSConfig(e.cfg.CertSeed)
	if err != nil {
		return nil, fmt.Errorf("quicchan: tls: %w", err)
	}
	conn, err := quic.DialAddr(ctx, p.Addr, tlsConf, e.cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicchan: dial %s (%s): %w", p.ID, p.Addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeCodeReject, "hello failed")
		return nil, fmt.Errorf("quicchan: open hello stream: %w", err)
	}
	if _, err := stream.Write([]byte(self)); err != nil {
		_ = conn.CloseWithError(closeCodeReject, "hello failed")
		return nil, fmt.Errorf("quicchan: write hello: %w", err)
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("quicchan: close hello stream: %w", err)
	}
	e.logger.Printf("quicchan: connected to %s at %s", p.ID, p.Addr)
	return conn, nil
}

func (e *Endpoint) accept(ctx context.Context) (session.PeerID, *quic.Conn, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("quicchan: accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeCodeReject, "hello missing")
		return "", nil, fmt.Errorf("quicchan: accept hello stream: %w", err)
	}
	hello, err := io.ReadAll(io.LimitReader(stream, helloLimit))
	if err != nil {
		_ = conn.CloseWithError(closeCodeReject, "hello failed")
		return "", nil, fmt.Errorf("quicchan: read hello: %w", err)
	}
	id := session.PeerID(hello)
	e.logger.Printf("quicchan: accepted %s from %s", id, conn.RemoteAddr())
	return id, conn, nil
}

// Channel implements session.Channel over one QUIC connection per peer.
type Channel struct {
	conns   map[session.PeerID]*quic.Conn
	packets chan session.Packet
	failed  chan error
	closed  chan struct{}
	logger  telemetry.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Send writes data as one unreliable datagram.
func (c *Channel) Send(to session.PeerID, data []byte) error {
	select {
	case <-c.closed:
		return session.ErrChannelClosed
	default:
	}
	conn, ok := c.conns[to]
	if !ok {
		return fmt.Errorf("quicchan: unknown peer %q", to)
	}
	return conn.SendDatagram(data)
}

// Receive blocks until a datagram arrives, the channel closes or a peer
// connection fails.
func (c *Channel) Receive(ctx context.Context) (session.Packet, error) {
	select {
	case <-ctx.Done():
		return session.Packet{}, ctx.Err()
	case <-c.closed:
		return session.Packet{}, session.ErrChannelClosed
	case err := <-c.failed:
		return session.Packet{}, err
	case pkt := <-c.packets:
		return pkt, nil
	}
}

func (c *Channel) pump(ctx context.Context, id session.PeerID, conn *quic.Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case c.failed <- peerFailure(id, err):
				default:
				}
			}
			return
		}
		select {
		case c.packets <- session.Packet{From: id, Data: data}:
		case <-ctx.Done():
			return
		default:
			// Receiver is behind; drop like the network would.
		}
	}
}

// peerFailure scopes a connection error to its peer. A remote close with
// the bye code is a deliberate departure.
func peerFailure(id session.PeerID, err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == closeCodeBye {
		return &session.PeerError{Peer: id, Err: session.ErrPeerLeft}
	}
	return &session.PeerError{Peer: id, Err: fmt.Errorf("quicchan: %w", err)}
}

// Close tears down every peer connection.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
		err = c.closeConns("bye")
		c.wg.Wait()
	})
	return err
}

func (c *Channel) closeConns(reason string) error {
	var errs []error
	for _, conn := range c.conns {
		if err := conn.CloseWithError(closeCodeBye, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
