package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rollback-arena/internal/input"
	"rollback-arena/internal/net/proto"
	"rollback-arena/internal/telemetry"
	"rollback-arena/internal/tick"
	"rollback-arena/logging"
)

const (
	metricDatagramsSent     = "session_datagrams_sent_total"
	metricDatagramsReceived = "session_datagrams_received_total"
	metricDatagramsDropped  = "session_datagrams_dropped_total"
	metricSendErrors        = "session_send_errors_total"
	metricDecodeErrors      = "session_decode_errors_total"
	metricConfirmedFrame    = "session_confirmed_frame"
	metricInterrupts        = "session_network_interrupts_total"
	metricDisconnects       = "session_disconnects_total"
)

// PeerStatus is the transport condition of one remote peer.
type PeerStatus int

const (
	PeerConnected PeerStatus = iota
	PeerInterrupted
	PeerDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerInterrupted:
		return "interrupted"
	case PeerDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("peer_status(%d)", int(s))
	}
}

// Observer receives transport notifications. Calls happen on the goroutine
// that drives Poll.
type Observer interface {
	PeerSynchronized(frame tick.Frame, handle tick.PlayerHandle, peer PeerID)
	PeerInterrupted(frame tick.Frame, handle tick.PlayerHandle, peer PeerID, silent time.Duration)
	PeerResumed(frame tick.Frame, handle tick.PlayerHandle, peer PeerID)
	PeerDisconnected(frame tick.Frame, handle tick.PlayerHandle, peer PeerID, reason string)
	WaitRecommended(frame tick.Frame, skip int, advantage int)
}

type nopObserver struct{}

func (nopObserver) PeerSynchronized(tick.Frame, tick.PlayerHandle, PeerID) {}
func (nopObserver) PeerInterrupted(tick.Frame, tick.PlayerHandle, PeerID, time.Duration) {}
func (nopObserver) PeerResumed(tick.Frame, tick.PlayerHandle, PeerID) {}
func (nopObserver) PeerDisconnected(tick.Frame, tick.PlayerHandle, PeerID, string) {}
func (nopObserver) WaitRecommended(tick.Frame, int, int) {}

// Confirmation is a remote input that became known during Poll.
type Confirmation struct {
	Handle tick.PlayerHandle
	Frame  tick.Frame
	Input  input.Input
}

// ChecksumReport is a peer's checksum for one of its confirmed frames.
type ChecksumReport struct {
	Handle   tick.PlayerHandle
	Frame    tick.Frame
	Checksum uint64
}

// Update summarises what Poll learned this tick.
type Update struct {
	Inputs     []Confirmation
	Checksums  []ChecksumReport
	WaitFrames int
}

// Binding maps one handle to its peer.
type Binding struct {
	Handle tick.PlayerHandle
	Peer   PeerID
	Local  bool
}

// Options carries the collaborators of a Manager.
type Options struct {
	SessionID string
	Clock     logging.Clock
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Observer  Observer
}

type remotePeer struct {
	id          PeerID
	handle      tick.PlayerHandle
	status      PeerStatus
	heard       bool
	lastRecv    time.Time
	lastSend    time.Time
	acked       tick.Frame
	remoteFrame tick.Frame
	cause       error
}

// Manager is an Active session: it owns the data channel, the per-handle
// input queues and the transport fault timers.
type Manager struct {
	cfg      Config
	id       string
	local    tick.PlayerHandle
	bindings []Binding
	queues   []*inputQueue
	peers    []*remotePeer
	byID     map[PeerID]*remotePeer

	channel  Channel
	inbox    *Inbox
	clock    logging.Clock
	metrics  telemetry.Metrics
	logger   telemetry.Logger
	observer Observer

	state         State
	frame         tick.Frame
	lastWaitFrame tick.Frame

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager binds handles and starts the receive goroutine on channel.
// bindings must cover handles 0..NumPlayers-1 exactly once with exactly one
// local player.
func NewManager(cfg Config, bindings []Binding, channel Channel, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if channel == nil {
		return nil, ErrChannelUnavailable
	}
	if len(bindings) != cfg.NumPlayers {
		return nil, fmt.Errorf("%w: %d bindings for %d players", ErrInvalidRoster, len(bindings), cfg.NumPlayers)
	}

	clock := opts.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}

	m := &Manager{
		cfg:           cfg,
		id:            opts.SessionID,
		local:         -1,
		bindings:      make([]Binding, cfg.NumPlayers),
		queues:        make([]*inputQueue, cfg.NumPlayers),
		byID:          make(map[PeerID]*remotePeer, cfg.NumPlayers),
		channel:       channel,
		inbox:         NewInbox(cfg.InboxCapacity, opts.Metrics),
		clock:         clock,
		metrics:       telemetry.OrNop(opts.Metrics),
		logger:        logger,
		observer:      observer,
		state:         Active,
		lastWaitFrame: tick.NullFrame,
		done:          make(chan struct{}),
	}

	seen := make([]bool, cfg.NumPlayers)
	now := clock.Now()
	for _, b := range bindings {
		if !b.Handle.Valid(cfg.NumPlayers) || seen[b.Handle] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, b.Handle)
		}
		seen[b.Handle] = true
		m.bindings[b.Handle] = b
		m.queues[b.Handle] = newInputQueue(queueCapacity(cfg), cfg.InputDelay)
		if b.Local {
			if m.local >= 0 {
				return nil, fmt.Errorf("%w: more than one local player", ErrInvalidRoster)
			}
			m.local = b.Handle
			continue
		}
		if _, dup := m.byID[b.Peer]; dup {
			return nil, fmt.Errorf("%w: duplicate peer %q", ErrInvalidHandle, b.Peer)
		}
		p := &remotePeer{
			id:          b.Peer,
			handle:      b.Handle,
			lastRecv:    now,
			acked:       tick.NullFrame,
			remoteFrame: tick.NullFrame,
		}
		m.peers = append(m.peers, p)
		m.byID[b.Peer] = p
	}
	if m.local < 0 {
		return nil, fmt.Errorf("%w: no local player", ErrInvalidRoster)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.receive(ctx)
	return m, nil
}

func queueCapacity(cfg Config) int {
	return 2*(cfg.MaxPrediction+cfg.InputDelay) + 8
}

// ID returns the session identifier.
func (m *Manager) ID() string { return m.id }

// NumPlayers reports the number of bound handles.
func (m *Manager) NumPlayers() int { return m.cfg.NumPlayers }

// LocalHandle reports the handle bound to this peer.
func (m *Manager) LocalHandle() tick.PlayerHandle { return m.local }

// InputDelay reports D.
func (m *Manager) InputDelay() int { return m.cfg.InputDelay }

// DesyncInterval reports K.
func (m *Manager) DesyncInterval() int { return m.cfg.DesyncInterval }

// MaxPrediction reports the rollback window.
func (m *Manager) MaxPrediction() int { return m.cfg.MaxPrediction }

// Bindings returns a copy of the handle table.
func (m *Manager) Bindings() []Binding {
	out := make([]Binding, len(m.bindings))
	copy(out, m.bindings)
	return out
}

// State reports the session lifecycle state.
func (m *Manager) State() State { return m.state }

// PeerStatus reports the transport condition of the peer bound to handle.
func (m *Manager) PeerStatus(handle tick.PlayerHandle) (PeerStatus, error) {
	if !handle.Valid(m.cfg.NumPlayers) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidHandle, handle)
	}
	for _, p := range m.peers {
		if p.handle == handle {
			return p.status, nil
		}
	}
	return PeerConnected, nil
}

// DisconnectCause returns why the peer bound to handle was disconnected, or
// nil while it is still reachable. errors.Is(cause, ErrPeerLeft) holds when
// the peer closed its side on purpose.
func (m *Manager) DisconnectCause(handle tick.PlayerHandle) error {
	for _, p := range m.peers {
		if p.handle == handle && p.status == PeerDisconnected {
			return p.cause
		}
	}
	return nil
}

// AddLocalInput schedules the input sampled at frame for frame+D and sends
// every unacknowledged local input to the remote peers. Re-adding an already
// scheduled frame is a no-op.
func (m *Manager) AddLocalInput(frame tick.Frame, in input.Input) {
	q := m.queues[m.local]
	target := frame + tick.Frame(m.cfg.InputDelay)
	if target >= q.next {
		for q.next < target {
			// Fill gaps with the previous input so the queue stays contiguous.
			q.add(q.next, q.last)
		}
		q.add(target, in)
	}
	m.frame = frame
	m.sendInputs(m.clock.Now())
}

// Input returns the confirmed input of handle at frame, or the
// repeat-last-known prediction with confirmed=false.
func (m *Manager) Input(handle tick.PlayerHandle, frame tick.Frame) (input.Input, bool) {
	if !handle.Valid(m.cfg.NumPlayers) {
		return 0, false
	}
	q := m.queues[handle]
	if in, ok := q.confirmed(frame); ok {
		return in, true
	}
	return q.last, false
}

// ConfirmedFrame is the highest frame for which every handle's input is
// confirmed, or tick.NullFrame.
func (m *Manager) ConfirmedFrame() tick.Frame {
	confirmed := tick.Frame(-1)
	for i, q := range m.queues {
		last := q.lastConfirmed()
		if i == 0 || last < confirmed {
			confirmed = last
		}
	}
	if confirmed < 0 {
		return tick.NullFrame
	}
	return confirmed
}

// ReportChecksum sends the local checksum of a confirmed frame to every
// reachable peer.
func (m *Manager) ReportChecksum(frame tick.Frame, checksum uint64) {
	data, err := proto.EncodeChecksum(proto.ChecksumReport{Frame: int64(frame), Checksum: checksum})
	if err != nil {
		m.logger.Printf("session %s: encode checksum: %v", m.id, err)
		return
	}
	now := m.clock.Now()
	for _, p := range m.peers {
		if p.status == PeerDisconnected {
			continue
		}
		m.send(p, data, now)
	}
}

// Poll drains the inbox, applies received inputs and checksums, advances the
// fault timers and returns what changed. frame is the scheduler's current
// frame.
func (m *Manager) Poll(frame tick.Frame) Update {
	var update Update
	m.frame = frame
	now := m.clock.Now()

	for _, item := range m.inbox.drain() {
		if item.err != nil {
			var peerErr *PeerError
			if errors.As(item.err, &peerErr) {
				if p, ok := m.byID[peerErr.Peer]; ok && p.status != PeerDisconnected {
					m.disconnect(frame, p, item.err)
				}
				continue
			}
			m.transportLost(frame, item.err)
			continue
		}
		p, ok := m.byID[item.from]
		if !ok || p.status == PeerDisconnected {
			m.metrics.Add(metricDatagramsDropped, 1)
			continue
		}
		m.metrics.Add(metricDatagramsReceived, 1)
		m.heard(frame, p, item.at)

		switch item.env.Kind {
		case proto.KindInput:
			m.applyInputs(p, item.env.Input, &update)
		case proto.KindChecksum:
			update.Checksums = append(update.Checksums, ChecksumReport{
				Handle:   p.handle,
				Frame:    tick.Frame(item.env.Checksum.Frame),
				Checksum: item.env.Checksum.Checksum,
			})
		case proto.KindKeepAlive:
			m.applyProgress(p, item.env.KeepAlive.Ack, item.env.KeepAlive.Frame)
		}
	}

	m.checkSilence(frame, now)
	m.keepAlive(now)
	update.WaitFrames = m.waitRecommendation(frame)
	if confirmed := m.ConfirmedFrame(); !confirmed.IsNull() {
		m.metrics.Store(metricConfirmedFrame, uint64(confirmed))
	}
	return update
}

func (m *Manager) heard(frame tick.Frame, p *remotePeer, at time.Time) {
	if at.After(p.lastRecv) {
		p.lastRecv = at
	}
	if !p.heard {
		p.heard = true
		m.observer.PeerSynchronized(frame, p.handle, p.id)
	}
	if p.status == PeerInterrupted {
		p.status = PeerConnected
		m.observer.PeerResumed(frame, p.handle, p.id)
	}
}

func (m *Manager) applyInputs(p *remotePeer, batch *proto.InputBatch, update *Update) {
	if tick.PlayerHandle(batch.Handle) != p.handle {
		m.metrics.Add(metricDatagramsDropped, 1)
		return
	}
	q := m.queues[p.handle]
	for _, fi := range batch.Frames() {
		frame := tick.Frame(fi.Frame)
		in := input.Input(fi.Input)
		if q.add(frame, in) {
			update.Inputs = append(update.Inputs, Confirmation{Handle: p.handle, Frame: frame, Input: in})
		}
	}
	m.applyProgress(p, batch.Ack, batch.Frame)
}

func (m *Manager) applyProgress(p *remotePeer, ack, frame int64) {
	if f := tick.Frame(ack); f > p.acked {
		p.acked = f
	}
	if f := tick.Frame(frame); f > p.remoteFrame {
		p.remoteFrame = f
	}
}

func (m *Manager) checkSilence(frame tick.Frame, now time.Time) {
	for _, p := range m.peers {
		if p.status == PeerDisconnected {
			continue
		}
		silent := now.Sub(p.lastRecv)
		switch {
		case silent >= m.cfg.DisconnectTimeout:
			m.disconnect(frame, p, fmt.Errorf("no datagrams for %s", silent.Round(time.Millisecond)))
		case silent >= m.cfg.InterruptTimeout && p.status == PeerConnected:
			p.status = PeerInterrupted
			m.metrics.Add(metricInterrupts, 1)
			m.observer.PeerInterrupted(frame, p.handle, p.id, silent)
		}
	}
}

// transportLost handles a failure of the whole channel: every peer is gone.
func (m *Manager) transportLost(frame tick.Frame, err error) {
	for _, p := range m.peers {
		if p.status != PeerDisconnected {
			m.disconnect(frame, p, err)
		}
	}
	m.state = Faulted
}

func (m *Manager) disconnect(frame tick.Frame, p *remotePeer, cause error) {
	p.status = PeerDisconnected
	p.cause = cause
	m.state = Faulted
	m.metrics.Add(metricDisconnects, 1)
	m.logger.Printf("session %s: peer %s (%s) disconnected: %v", m.id, p.id, p.handle, cause)
	m.observer.PeerDisconnected(frame, p.handle, p.id, cause.Error())
}

// waitRecommendation returns the number of ticks to skip when the local peer
// runs ahead of the slowest reachable peer.
func (m *Manager) waitRecommendation(frame tick.Frame) int {
	if !m.lastWaitFrame.IsNull() && frame-m.lastWaitFrame < tick.Frame(m.cfg.WaitInterval) {
		return 0
	}
	advantage := 0
	for _, p := range m.peers {
		if p.status != PeerConnected || p.remoteFrame.IsNull() {
			continue
		}
		if a := int(frame - p.remoteFrame); a > advantage {
			advantage = a
		}
	}
	if advantage < m.cfg.WaitThreshold {
		return 0
	}
	skip := advantage / 2
	if skip < 1 {
		skip = 1
	}
	m.lastWaitFrame = frame
	m.observer.WaitRecommended(frame, skip, advantage)
	return skip
}

func (m *Manager) sendInputs(now time.Time) {
	for _, p := range m.peers {
		if p.status != PeerDisconnected {
			m.sendInputsTo(p, now)
		}
	}
}

// sendInputsTo sends every local input p has not acknowledged yet. It
// reports false when there was nothing to send.
func (m *Manager) sendInputsTo(p *remotePeer, now time.Time) bool {
	start, inputs := m.queues[m.local].since(p.acked + 1)
	if len(inputs) == 0 {
		return false
	}
	raw := make([]byte, len(inputs))
	for i, in := range inputs {
		raw[i] = byte(in)
	}
	data, err := proto.EncodeInputBatch(proto.InputBatch{
		Handle: int(m.local),
		Start:  int64(start),
		Inputs: raw,
		Ack:    int64(m.queues[p.handle].lastConfirmed()),
		Frame:  int64(m.frame),
	})
	if err != nil {
		m.logger.Printf("session %s: encode inputs: %v", m.id, err)
		return false
	}
	m.send(p, data, now)
	return true
}

// keepAlive resends pending inputs, or a bare progress report, to peers that
// have not heard from us within the keepalive interval.
func (m *Manager) keepAlive(now time.Time) {
	for _, p := range m.peers {
		if p.status == PeerDisconnected || now.Sub(p.lastSend) < m.cfg.KeepAliveInterval {
			continue
		}
		if m.sendInputsTo(p, now) {
			continue
		}
		data, err := proto.EncodeKeepAlive(proto.KeepAlive{Ack: int64(m.queues[p.handle].lastConfirmed()), Frame: int64(m.frame)})
		if err != nil {
			continue
		}
		m.send(p, data, now)
	}
}

func (m *Manager) send(p *remotePeer, data []byte, now time.Time) {
	if err := m.channel.Send(p.id, data); err != nil {
		m.metrics.Add(metricSendErrors, 1)
		return
	}
	p.lastSend = now
	m.metrics.Add(metricDatagramsSent, 1)
}

func (m *Manager) receive(ctx context.Context) {
	defer close(m.done)
	for {
		pkt, err := m.channel.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var peerErr *PeerError
			if errors.As(err, &peerErr) {
				m.inbox.push(inbound{from: peerErr.Peer, err: err})
				continue
			}
			m.inbox.push(inbound{err: fmt.Errorf("receive: %w", err)})
			return
		}
		env, err := proto.Decode(pkt.Data)
		if err != nil {
			m.metrics.Add(metricDecodeErrors, 1)
			continue
		}
		if !m.inbox.push(inbound{from: pkt.From, env: env, at: m.clock.Now()}) {
			m.metrics.Add(metricDatagramsDropped, 1)
		}
	}
}

// Close stops the receive goroutine and releases the channel. History held
// by the session is discarded.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		err = m.channel.Close()
		if errors.Is(err, ErrChannelClosed) {
			err = nil
		}
		<-m.done
		m.inbox.drain()
	})
	return err
}
