package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rollback-arena/internal/session"
	"rollback-arena/internal/telemetry"
)

// ErrClosed is returned after the signaling connection ends.
var ErrClosed = errors.New("signal: connection closed")

// ChannelFactory opens the data channel to the given roster once it is
// complete.
type ChannelFactory func(ctx context.Context, self session.PeerID, peers []PeerInfo) (session.Channel, error)

// ClientConfig describes how to join a room.
type ClientConfig struct {
	URL      string
	Room     string
	DataAddr string
	Channels ChannelFactory
	Logger   telemetry.Logger
}

// Client is a room member. It implements session.Discovery.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	id     string
	logger telemetry.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	roster  []PeerInfo
	rtt     time.Duration
	err     error
	done    chan struct{}
}

// Dial joins cfg.Room and waits for the welcome message.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signal: parse url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	q.Set("addr", cfg.DataAddr)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", u.Redacted(), err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("signal: join %s: %w", cfg.Room, err)
	}
	var welcome welcomeMessage
	if err := json.Unmarshal(payload, &welcome); err != nil || welcome.Type != typeWelcome || welcome.ID == "" {
		conn.Close()
		return nil, fmt.Errorf("signal: unexpected first message %q", payload)
	}
	if welcome.Ver != ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("signal: protocol version %d, want %d", welcome.Ver, ProtocolVersion)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	c := &Client{cfg: cfg, conn: conn, id: welcome.ID, logger: logger, done: make(chan struct{})}
	go c.read()
	return c, nil
}

// ID is the identifier the server assigned to this peer.
func (c *Client) ID() session.PeerID { return session.PeerID(c.id) }

// Roster returns the latest room roster, sorted by id.
func (c *Client) Roster() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PeerInfo(nil), c.roster...)
}

// RTT reports the last measured signaling round trip.
func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// Players maps the roster to session players.
func (c *Client) Players() []session.Player {
	roster := c.Roster()
	players := make([]session.Player, len(roster))
	for i, p := range roster {
		kind := session.Remote
		if p.ID == c.id {
			kind = session.Local
		}
		players[i] = session.Player{Kind: kind, Peer: session.PeerID(p.ID)}
	}
	return players
}

// TakeChannel opens the data channel to the current roster.
func (c *Client) TakeChannel(ctx context.Context) (session.Channel, error) {
	if c.cfg.Channels == nil {
		return nil, errors.New("signal: no channel factory configured")
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.cfg.Channels(ctx, c.ID(), c.Roster())
}

// Ping asks the server for a heartbeat to refresh RTT.
func (c *Client) Ping() error {
	data, err := json.Marshal(clientMessage{Ver: ProtocolVersion, Type: typePing, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close leaves the room.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) read() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			c.mu.Unlock()
			return
		}
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Printf("signal: discarding malformed message: %v", err)
			continue
		}
		switch env.Type {
		case typeRoster:
			var msg rosterMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			c.roster = msg.Peers
			c.mu.Unlock()
		case typeHeartbeat:
			var msg heartbeatMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			c.rtt = time.Since(time.UnixMilli(msg.ClientTime))
			c.mu.Unlock()
		}
	}
}
