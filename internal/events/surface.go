// Package events classifies transport and desync notifications into per-peer
// and session-wide states and exposes them as a drainable stream.
package events

import (
	"context"
	"fmt"
	"time"

	"rollback-arena/internal/session"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
	rollbacklog "rollback-arena/logging/rollback"
	sessionlog "rollback-arena/logging/session"
)

// Kind names an application-visible event.
type Kind int

const (
	Synchronized Kind = iota
	NetworkInterrupted
	NetworkResumed
	Disconnected
	DesyncDetected
	DesyncResolved
	WaitRecommendation
)

func (k Kind) String() string {
	switch k {
	case Synchronized:
		return "synchronized"
	case NetworkInterrupted:
		return "network_interrupted"
	case NetworkResumed:
		return "network_resumed"
	case Disconnected:
		return "disconnected"
	case DesyncDetected:
		return "desync_detected"
	case DesyncResolved:
		return "desync_resolved"
	case WaitRecommendation:
		return "wait_recommendation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one entry on the stream. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind
	Frame      tick.Frame
	Handle     tick.PlayerHandle
	Peer       session.PeerID
	Silent     time.Duration
	Reason     string
	SkipFrames int
	Advantage  int
	Local      uint64
	Remote     uint64
}

// PeerState is the per-peer transport classification.
type PeerState int

const (
	Connected PeerState = iota
	Interrupted
	Lost
)

func (s PeerState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Interrupted:
		return "interrupted"
	case Lost:
		return "disconnected"
	default:
		return fmt.Sprintf("peer_state(%d)", int(s))
	}
}

// SyncState is the session-wide checksum classification.
type SyncState int

const (
	InSync SyncState = iota
	Desynced
)

func (s SyncState) String() string {
	if s == Desynced {
		return "desynced"
	}
	return "in_sync"
}

const defaultCapacity = 256

// Surface implements session.Observer and desync.Sink. It performs no
// recovery; the application decides what to do with each event.
type Surface struct {
	publisher logging.Publisher
	peers     map[tick.PlayerHandle]PeerState
	desynced  map[tick.PlayerHandle]bool
	queue     []Event
	capacity  int
	dropped   uint64
}

// NewSurface publishes every event to publisher and keeps up to capacity
// undrained events, discarding the oldest beyond that.
func NewSurface(publisher logging.Publisher, capacity int) *Surface {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Surface{
		publisher: publisher,
		peers:     make(map[tick.PlayerHandle]PeerState),
		desynced:  make(map[tick.PlayerHandle]bool),
		capacity:  capacity,
	}
}

// Drain returns the events raised since the last call.
func (s *Surface) Drain() []Event {
	out := s.queue
	s.queue = nil
	return out
}

// Dropped reports how many events were discarded undrained.
func (s *Surface) Dropped() uint64 { return s.dropped }

// Peer reports the classification of handle. Unknown handles are Connected.
func (s *Surface) Peer(handle tick.PlayerHandle) PeerState {
	return s.peers[handle]
}

// Sync reports whether any peer currently disagrees on checksums.
func (s *Surface) Sync() SyncState {
	for _, d := range s.desynced {
		if d {
			return Desynced
		}
	}
	return InSync
}

func (s *Surface) emit(ev Event) {
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
}

// PeerSynchronized records the first time handle becomes reachable.
func (s *Surface) PeerSynchronized(frame tick.Frame, handle tick.PlayerHandle, peer session.PeerID) {
	if _, known := s.peers[handle]; known {
		return
	}
	s.peers[handle] = Connected
	s.emit(Event{Kind: Synchronized, Frame: frame, Handle: handle, Peer: peer})
	sessionlog.Synchronized(context.Background(), s.publisher, int64(frame), logging.PeerRef(string(peer)),
		sessionlog.PeerPayload{PeerID: string(peer), Handle: int(handle)})
}

// PeerInterrupted marks a connected peer as silent for the given duration.
func (s *Surface) PeerInterrupted(frame tick.Frame, handle tick.PlayerHandle, peer session.PeerID, silent time.Duration) {
	if s.peers[handle] != Connected {
		return
	}
	s.peers[handle] = Interrupted
	s.emit(Event{Kind: NetworkInterrupted, Frame: frame, Handle: handle, Peer: peer, Silent: silent})
	sessionlog.NetworkInterrupted(context.Background(), s.publisher, int64(frame), logging.PeerRef(string(peer)),
		sessionlog.FaultPayload{Handle: int(handle), SilentMillis: silent.Milliseconds()})
}

// PeerResumed clears an interruption once datagrams arrive again.
func (s *Surface) PeerResumed(frame tick.Frame, handle tick.PlayerHandle, peer session.PeerID) {
	if s.peers[handle] != Interrupted {
		return
	}
	s.peers[handle] = Connected
	s.emit(Event{Kind: NetworkResumed, Frame: frame, Handle: handle, Peer: peer})
	sessionlog.NetworkResumed(context.Background(), s.publisher, int64(frame), logging.PeerRef(string(peer)),
		sessionlog.FaultPayload{Handle: int(handle)})
}

// PeerDisconnected marks the peer lost. Repeated reports for the same handle
// are ignored.
func (s *Surface) PeerDisconnected(frame tick.Frame, handle tick.PlayerHandle, peer session.PeerID, reason string) {
	if s.peers[handle] == Lost {
		return
	}
	s.peers[handle] = Lost
	s.emit(Event{Kind: Disconnected, Frame: frame, Handle: handle, Peer: peer, Reason: reason})
	sessionlog.Disconnected(context.Background(), s.publisher, int64(frame), logging.PeerRef(string(peer)),
		sessionlog.FaultPayload{Handle: int(handle), Reason: reason})
}

// WaitRecommended queues a skip-frames hint for the presentation layer.
func (s *Surface) WaitRecommended(frame tick.Frame, skip int, advantage int) {
	s.emit(Event{Kind: WaitRecommendation, Frame: frame, SkipFrames: skip, Advantage: advantage})
	rollbacklog.WaitRecommendation(context.Background(), s.publisher, int64(frame),
		rollbacklog.WaitPayload{SkipFrames: skip, Advantage: advantage})
}

// DesyncDetected records a checksum mismatch against handle.
func (s *Surface) DesyncDetected(frame tick.Frame, handle tick.PlayerHandle, local, remote uint64) {
	s.desynced[handle] = true
	s.emit(Event{Kind: DesyncDetected, Frame: frame, Handle: handle, Local: local, Remote: remote})
	sessionlog.DesyncDetected(context.Background(), s.publisher, int64(frame),
		sessionlog.DesyncPayload{Handle: int(handle), Local: local, Remote: remote})
}

// DesyncResolved clears a mismatch after a matching checksum arrives.
func (s *Surface) DesyncResolved(frame tick.Frame, handle tick.PlayerHandle, local, remote uint64) {
	s.desynced[handle] = false
	s.emit(Event{Kind: DesyncResolved, Frame: frame, Handle: handle, Local: local, Remote: remote})
	sessionlog.DesyncResolved(context.Background(), s.publisher, int64(frame),
		sessionlog.DesyncPayload{Handle: int(handle), Local: local, Remote: remote})
}

var _ session.Observer = (*Surface)(nil)
