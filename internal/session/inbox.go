package session

import (
	"sync"
	"time"

	"rollback-arena/internal/net/proto"
	"rollback-arena/internal/telemetry"
)

const (
	inboxOccupancyMetricKey = "session_inbox_occupancy"
	inboxOverflowMetricKey  = "session_inbox_overflow_total"
)

// inbound is one decoded datagram, or a terminal transport error.
type inbound struct {
	from PeerID
	env  proto.Envelope
	at   time.Time
	err  error
}

// Inbox stores received datagrams in a fixed-size ring between the network
// goroutine and the simulation goroutine. One producer, one consumer.
type Inbox struct {
	mu      sync.Mutex
	data    []inbound
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewInbox constructs a ring buffer with the provided capacity.
func NewInbox(capacity int, metrics telemetry.Metrics) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{
		data:    make([]inbound, capacity),
		metrics: telemetry.OrNop(metrics),
	}
}

// Capacity reports the maximum number of queued datagrams.
func (b *Inbox) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// push stages a datagram, returning false if the ring is full. Terminal
// errors overwrite the newest entry so they are never lost.
func (b *Inbox) push(item inbound) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		b.metrics.Add(inboxOverflowMetricKey, 1)
		if item.err == nil {
			return false
		}
		b.tail = (b.tail - 1 + len(b.data)) % len(b.data)
		b.count--
	}
	b.data[b.tail] = item
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.metrics.Store(inboxOccupancyMetricKey, uint64(b.count))
	return true
}

// drain returns staged datagrams in arrival order and clears the ring.
func (b *Inbox) drain() []inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	items := make([]inbound, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		items[i] = b.data[idx]
		b.data[idx] = inbound{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.metrics.Store(inboxOccupancyMetricKey, 0)
	return items
}

// Len reports the number of staged datagrams.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
