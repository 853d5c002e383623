package session

import (
	"context"

	"rollback-arena/logging"
)

const (
	// EventPeerJoined is emitted when discovery reports a new peer while
	// the session is still gathering players.
	EventPeerJoined logging.EventType = "session.peer_joined"
	// EventStarted is emitted once every handle is bound and the data
	// channel has been taken over.
	EventStarted logging.EventType = "session.started"
	// EventSynchronized is emitted when the first datagram from a peer
	// arrives over the data channel.
	EventSynchronized logging.EventType = "session.synchronized"
	// EventNetworkInterrupted is emitted when a peer goes quiet.
	EventNetworkInterrupted logging.EventType = "session.network_interrupted"
	// EventNetworkResumed is emitted when an interrupted peer is heard again.
	EventNetworkResumed logging.EventType = "session.network_resumed"
	// EventDisconnected is emitted when a peer is lost for good.
	EventDisconnected logging.EventType = "session.disconnected"
	// EventDesyncDetected is emitted on the first mismatched checksum of a run.
	EventDesyncDetected logging.EventType = "session.desync_detected"
	// EventDesyncResolved is emitted when checksums agree again.
	EventDesyncResolved logging.EventType = "session.desync_resolved"
)

// PeerPayload identifies a peer and its handle.
type PeerPayload struct {
	PeerID string `json:"peerId"`
	Handle int    `json:"handle"`
}

// StartedPayload describes the negotiated session parameters.
type StartedPayload struct {
	Players        int      `json:"players"`
	LocalHandle    int      `json:"localHandle"`
	InputDelay     int      `json:"inputDelay"`
	DesyncInterval int      `json:"desyncInterval"`
	Peers          []string `json:"peers"`
}

// FaultPayload describes a transport fault for one peer.
type FaultPayload struct {
	Handle       int    `json:"handle"`
	SilentMillis int64  `json:"silentMillis,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DesyncPayload carries both sides of a checksum comparison.
type DesyncPayload struct {
	Handle int    `json:"handle"`
	Local  uint64 `json:"local"`
	Remote uint64 `json:"remote"`
}

// PeerJoined publishes an info event for a newly discovered peer.
func PeerJoined(ctx context.Context, pub logging.Publisher, payload PeerPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventPeerJoined,
		Actor:    logging.PeerRef(payload.PeerID),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// Started publishes the session start.
func Started(ctx context.Context, pub logging.Publisher, sessionID string, payload StartedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventStarted,
		Actor:    logging.SessionRef(sessionID),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// Synchronized publishes an info event for a peer heard for the first time.
func Synchronized(ctx context.Context, pub logging.Publisher, frame int64, peer logging.EntityRef, payload PeerPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventSynchronized,
		Frame:    frame,
		Actor:    peer,
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// NetworkInterrupted publishes a warning for a quiet peer.
func NetworkInterrupted(ctx context.Context, pub logging.Publisher, frame int64, peer logging.EntityRef, payload FaultPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventNetworkInterrupted,
		Frame:    frame,
		Actor:    peer,
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// NetworkResumed publishes an info event when a peer is heard again.
func NetworkResumed(ctx context.Context, pub logging.Publisher, frame int64, peer logging.EntityRef, payload FaultPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventNetworkResumed,
		Frame:    frame,
		Actor:    peer,
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// Disconnected publishes a warning for a lost peer.
func Disconnected(ctx context.Context, pub logging.Publisher, frame int64, peer logging.EntityRef, payload FaultPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventDisconnected,
		Frame:    frame,
		Actor:    peer,
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// DesyncDetected publishes an error for a checksum mismatch.
func DesyncDetected(ctx context.Context, pub logging.Publisher, frame int64, payload DesyncPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventDesyncDetected,
		Frame:    frame,
		Severity: logging.SeverityError,
		Payload:  payload,
	})
}

// DesyncResolved publishes an info event once checksums match again.
func DesyncResolved(ctx context.Context, pub logging.Publisher, frame int64, payload DesyncPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventDesyncResolved,
		Frame:    frame,
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategorySession
	pub.Publish(ctx, event)
}
