// Package session owns the connection to remote peers: it binds every peer
// to a player handle, moves inputs and checksums over the data channel and
// answers confirmed-or-predicted input queries for the frame scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRosterIncomplete is returned when discovery never reaches the
	// configured player count.
	ErrRosterIncomplete = errors.New("session: roster incomplete")
	// ErrRosterOverfull is returned when discovery reports more players than
	// the session supports.
	ErrRosterOverfull = errors.New("session: too many players")
	// ErrInvalidRoster is returned when the roster does not hold exactly one
	// local player.
	ErrInvalidRoster = errors.New("session: invalid roster")
	// ErrInvalidHandle is returned for duplicate or out-of-range handles.
	ErrInvalidHandle = errors.New("session: invalid player handle")
	// ErrChannelUnavailable is returned when discovery cannot hand over a
	// data channel.
	ErrChannelUnavailable = errors.New("session: data channel unavailable")
	// ErrChannelClosed is returned by channels after Close.
	ErrChannelClosed = errors.New("session: channel closed")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("session: invalid config")
	// ErrPeerLeft marks a peer that closed its side of the channel on
	// purpose, as opposed to a broken connection.
	ErrPeerLeft = errors.New("session: peer left")
)

// State is the lifecycle of a session.
type State int

const (
	AwaitingPeers State = iota
	Active
	Faulted
)

func (s State) String() string {
	switch s {
	case AwaitingPeers:
		return "awaiting_peers"
	case Active:
		return "active"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PeerID identifies a peer as assigned by the discovery service.
type PeerID string

// PlayerKind distinguishes the local player from remote ones.
type PlayerKind int

const (
	Local PlayerKind = iota
	Remote
)

// Player is one roster entry.
type Player struct {
	Kind PlayerKind
	Peer PeerID
}

// Discovery is the signaling collaborator: it reports the connected roster
// and hands over one data channel once the roster is complete.
type Discovery interface {
	Players() []Player
	TakeChannel(ctx context.Context) (Channel, error)
}

// Packet is one datagram received from a peer.
type Packet struct {
	From PeerID
	Data []byte
}

// PeerError is a channel failure confined to one peer. Receive may return it
// and keep delivering datagrams from the other peers.
type PeerError struct {
	Peer PeerID
	Err  error
}

func (e *PeerError) Error() string { return fmt.Sprintf("peer %s: %v", e.Peer, e.Err) }

func (e *PeerError) Unwrap() error { return e.Err }

// Channel is an unreliable, possibly reordering duplex datagram channel to
// every remote peer.
type Channel interface {
	Send(to PeerID, data []byte) error
	Receive(ctx context.Context) (Packet, error)
	Close() error
}

// Config fixes the session parameters negotiated at establishment.
type Config struct {
	NumPlayers        int
	InputDelay        int
	MaxPrediction     int
	DesyncInterval    int
	InboxCapacity     int
	InterruptTimeout  time.Duration
	DisconnectTimeout time.Duration
	KeepAliveInterval time.Duration
	// WaitThreshold is the frame advantage over a peer at which the local
	// peer is told to idle; WaitInterval spaces recommendations in frames.
	WaitThreshold int
	WaitInterval  int
}

// DefaultConfig mirrors the two-player desktop defaults.
func DefaultConfig() Config {
	return Config{
		NumPlayers:        2,
		InputDelay:        2,
		MaxPrediction:     8,
		DesyncInterval:    10,
		InboxCapacity:     256,
		InterruptTimeout:  500 * time.Millisecond,
		DisconnectTimeout: 2 * time.Second,
		KeepAliveInterval: 200 * time.Millisecond,
		WaitThreshold:     3,
		WaitInterval:      60,
	}
}

// Validate rejects parameters the session cannot run with.
func (c Config) Validate() error {
	switch {
	case c.NumPlayers < 2:
		return fmt.Errorf("%w: need at least 2 players, got %d", ErrInvalidConfig, c.NumPlayers)
	case c.InputDelay < 0:
		return fmt.Errorf("%w: negative input delay %d", ErrInvalidConfig, c.InputDelay)
	case c.MaxPrediction < 1:
		return fmt.Errorf("%w: prediction window must be positive, got %d", ErrInvalidConfig, c.MaxPrediction)
	case c.DesyncInterval < 1:
		return fmt.Errorf("%w: desync interval must be positive, got %d", ErrInvalidConfig, c.DesyncInterval)
	case c.DisconnectTimeout > 0 && c.InterruptTimeout > c.DisconnectTimeout:
		return fmt.Errorf("%w: interrupt timeout exceeds disconnect timeout", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = def.InboxCapacity
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = def.InterruptTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = def.DisconnectTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.WaitThreshold <= 0 {
		c.WaitThreshold = def.WaitThreshold
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = def.WaitInterval
	}
	return c
}
