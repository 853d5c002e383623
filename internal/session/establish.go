package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
	sessionlog "rollback-arena/logging/session"
)

// Establisher gathers the roster from a discovery collaborator and, once
// exactly NumPlayers peers are connected, binds handles and takes over the
// data channel.
type Establisher struct {
	cfg       Config
	discovery Discovery
	opts      Options
	publisher logging.Publisher
	state     State
	seen      map[PeerID]bool
}

// NewEstablisher validates cfg and prepares to poll discovery. A nil
// publisher disables event publishing.
func NewEstablisher(cfg Config, discovery Discovery, publisher logging.Publisher, opts Options) (*Establisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if discovery == nil {
		return nil, fmt.Errorf("%w: nil discovery", ErrChannelUnavailable)
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Establisher{
		cfg:       cfg,
		discovery: discovery,
		opts:      opts,
		publisher: logging.WithSession(publisher, opts.SessionID),
		state:     AwaitingPeers,
		seen:      make(map[PeerID]bool),
	}, nil
}

// State reports AwaitingPeers until the session starts.
func (e *Establisher) State() State { return e.state }

// Poll checks the roster once. It returns a nil Manager while fewer than
// NumPlayers peers are connected.
func (e *Establisher) Poll(ctx context.Context) (*Manager, error) {
	if e.state != AwaitingPeers {
		return nil, fmt.Errorf("session: establisher already %s", e.state)
	}
	players := e.discovery.Players()
	for _, p := range players {
		if p.Kind == Remote && !e.seen[p.Peer] {
			e.seen[p.Peer] = true
			sessionlog.PeerJoined(ctx, e.publisher, sessionlog.PeerPayload{PeerID: string(p.Peer), Handle: -1})
		}
	}
	switch {
	case len(players) < e.cfg.NumPlayers:
		return nil, nil
	case len(players) > e.cfg.NumPlayers:
		e.state = Faulted
		return nil, fmt.Errorf("%w: %d players for %d slots", ErrRosterOverfull, len(players), e.cfg.NumPlayers)
	}

	bindings, err := Bind(players)
	if err != nil {
		e.state = Faulted
		return nil, err
	}
	channel, err := e.discovery.TakeChannel(ctx)
	if err != nil {
		e.state = Faulted
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	m, err := NewManager(e.cfg, bindings, channel, e.opts)
	if err != nil {
		_ = channel.Close()
		e.state = Faulted
		return nil, err
	}
	e.state = Active

	peers := make([]string, len(bindings))
	for i, b := range bindings {
		peers[i] = string(b.Peer)
	}
	sessionlog.Started(ctx, e.publisher, e.opts.SessionID, sessionlog.StartedPayload{
		Players:        e.cfg.NumPlayers,
		LocalHandle:    int(m.LocalHandle()),
		InputDelay:     e.cfg.InputDelay,
		DesyncInterval: e.cfg.DesyncInterval,
		Peers:          peers,
	})
	return m, nil
}

// Bind orders players by peer identifier and assigns handles 0..N-1, so
// every peer derives the same table from the same roster.
func Bind(players []Player) ([]Binding, error) {
	sorted := make([]Player, len(players))
	copy(sorted, players)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Peer < sorted[j].Peer })

	bindings := make([]Binding, len(sorted))
	locals := 0
	for i, p := range sorted {
		if p.Peer == "" {
			return nil, fmt.Errorf("%w: empty peer id", ErrInvalidRoster)
		}
		if i > 0 && sorted[i-1].Peer == p.Peer {
			return nil, fmt.Errorf("%w: duplicate peer %q", ErrInvalidHandle, p.Peer)
		}
		if p.Kind == Local {
			locals++
		}
		bindings[i] = Binding{Handle: tick.PlayerHandle(i), Peer: p.Peer, Local: p.Kind == Local}
	}
	if locals != 1 {
		return nil, fmt.Errorf("%w: %d local players", ErrInvalidRoster, locals)
	}
	return bindings, nil
}

// Await polls e every interval until the session starts or ctx ends. A
// context that ends first yields ErrRosterIncomplete.
func Await(ctx context.Context, e *Establisher, interval time.Duration, logger telemetry.Logger) (*Manager, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	waiting := -1
	for {
		m, err := e.Poll(ctx)
		if err != nil || m != nil {
			return m, err
		}
		if n := len(e.discovery.Players()); n != waiting && logger != nil {
			waiting = n
			logger.Printf("session: waiting for players (%d/%d)", n, e.cfg.NumPlayers)
		}
		select {
		case <-ctx.Done():
			e.state = Faulted
			return nil, fmt.Errorf("%w: %v", ErrRosterIncomplete, ctx.Err())
		case <-ticker.C:
		}
	}
}
