// Package loopback is an in-memory datagram network with seeded loss and
// reordering. It satisfies session.Channel and session.Discovery so several
// peers can run inside one process.
package loopback

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"

	"rollback-arena/internal/session"
)

// Options configures fault injection. Rates are probabilities in [0, 1].
type Options struct {
	Seed        uint64
	DropRate    float64
	ReorderRate float64
	Buffer      int
}

// Network connects endpoints by peer id.
type Network struct {
	mu        sync.Mutex
	rng       *rand.Rand
	opts      Options
	endpoints map[session.PeerID]*Endpoint
	order     []session.PeerID
	cut       map[session.PeerID]bool
	held      map[session.PeerID][]session.Packet
}

// NewNetwork returns an empty network.
func NewNetwork(opts Options) *Network {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &Network{
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		opts:      opts,
		endpoints: make(map[session.PeerID]*Endpoint),
		cut:       make(map[session.PeerID]bool),
		held:      make(map[session.PeerID][]session.Packet),
	}
}

// Join attaches a new endpoint. Joining twice returns the existing one.
func (n *Network) Join(id session.PeerID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		id:      id,
		network: n,
		inbox:   make(chan session.Packet, n.opts.Buffer),
		closed:  make(chan struct{}),
		failed:  make(chan error, 16),
	}
	n.endpoints[id] = ep
	n.order = append(n.order, id)
	return ep
}

// Cut silently drops every datagram to and from id until Restore.
func (n *Network) Cut(id session.PeerID) {
	n.mu.Lock()
	n.cut[id] = true
	n.mu.Unlock()
}

// Restore undoes Cut.
func (n *Network) Restore(id session.PeerID) {
	n.mu.Lock()
	delete(n.cut, id)
	n.mu.Unlock()
}

func (n *Network) deliver(from, to session.PeerID, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	dst, ok := n.endpoints[to]
	if !ok || n.cut[from] || n.cut[to] {
		return
	}
	if n.opts.DropRate > 0 && n.rng.Float64() < n.opts.DropRate {
		return
	}
	pkt := session.Packet{From: from, Data: append([]byte(nil), data...)}
	if n.opts.ReorderRate > 0 && n.rng.Float64() < n.opts.ReorderRate {
		n.held[to] = append(n.held[to], pkt)
		return
	}
	dst.offer(pkt)
	for _, late := range n.held[to] {
		dst.offer(late)
	}
	delete(n.held, to)
}

func (n *Network) left(from session.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cut[from] {
		return
	}
	for id, ep := range n.endpoints {
		if id == from || n.cut[id] {
			continue
		}
		ep.Fail(&session.PeerError{Peer: from, Err: session.ErrPeerLeft})
	}
}

// Endpoint is one peer's view of the network.
type Endpoint struct {
	id      session.PeerID
	network *Network
	inbox   chan session.Packet
	closed  chan struct{}
	failed  chan error
	once    sync.Once
}

// ID reports the endpoint's peer id.
func (e *Endpoint) ID() session.PeerID { return e.id }

func (e *Endpoint) offer(pkt session.Packet) {
	select {
	case <-e.closed:
	case e.inbox <- pkt:
	default:
	}
}

// Send queues data for to. Unknown or unreachable peers drop it silently.
func (e *Endpoint) Send(to session.PeerID, data []byte) error {
	select {
	case <-e.closed:
		return session.ErrChannelClosed
	default:
	}
	e.network.deliver(e.id, to, data)
	return nil
}

// Receive blocks for the next datagram. Datagrams already queued are
// delivered before a failure, as they were sent before it.
func (e *Endpoint) Receive(ctx context.Context) (session.Packet, error) {
	select {
	case pkt := <-e.inbox:
		return pkt, nil
	default:
	}
	select {
	case <-ctx.Done():
		return session.Packet{}, ctx.Err()
	case <-e.closed:
		return session.Packet{}, session.ErrChannelClosed
	case err := <-e.failed:
		return session.Packet{}, err
	case pkt := <-e.inbox:
		return pkt, nil
	}
}

// Fail makes the next Receive return err, as a broken transport would.
func (e *Endpoint) Fail(err error) {
	select {
	case e.failed <- err:
	default:
	}
}

// Close detaches the endpoint and tells every reachable peer it left.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.network.left(e.id)
	})
	return nil
}

// Discovery reports the network roster from the perspective of self.
type Discovery struct {
	network *Network
	self    *Endpoint
}

// Discovery returns a discovery collaborator for e.
func (e *Endpoint) Discovery() *Discovery {
	return &Discovery{network: e.network, self: e}
}

// Players lists every joined endpoint, ordered by join time.
func (d *Discovery) Players() []session.Player {
	d.network.mu.Lock()
	defer d.network.mu.Unlock()
	players := make([]session.Player, 0, len(d.network.order))
	for _, id := range d.network.order {
		kind := session.Remote
		if id == d.self.id {
			kind = session.Local
		}
		players = append(players, session.Player{Kind: kind, Peer: id})
	}
	return players
}

// TakeChannel hands over the endpoint itself.
func (d *Discovery) TakeChannel(context.Context) (session.Channel, error) {
	return d.self, nil
}

// Peers returns the ids of every endpoint, sorted.
func (n *Network) Peers() []session.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]session.PeerID, 0, len(n.endpoints))
	for id := range n.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
