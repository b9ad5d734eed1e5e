package cloud

import (
	"sync"
	"time"

	avl "gitlab.com/yawning/avl.git"

	"github.com/aethernetio/aether-client-go/transport"
)

// statsWindow keeps the last windowSize duration samples in an avl.Tree
// ordered by value, giving O(log n) insertion and cheap order-statistic
// (percentile) reads. This is the same AVL-ordered-by-key idiom the
// teacher's server/internal/decoy package uses for its surbETAs
// ETA-ordered sweep tree, here reused for rolling RTT/connect-time
// statistics instead of ETA expiry.
type statsWindow struct {
	mu       sync.Mutex
	tree     *avl.Tree
	fifo     []*avl.Node
	capacity int
	seq      uint64
}

type sample struct {
	value time.Duration
	seq   uint64
}

func newStatsWindow(capacity int) *statsWindow {
	return &statsWindow{
		capacity: capacity,
		tree: avl.New(func(a, b interface{}) int {
			sa, sb := a.(*sample), b.(*sample)
			switch {
			case sa.value < sb.value:
				return -1
			case sa.value > sb.value:
				return 1
			case sa.seq < sb.seq:
				return -1
			case sa.seq > sb.seq:
				return 1
			default:
				return 0
			}
		}),
	}
}

func (w *statsWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	node := w.tree.Insert(&sample{value: d, seq: w.seq})
	w.fifo = append(w.fifo, node)
	if len(w.fifo) > w.capacity {
		oldest := w.fifo[0]
		w.fifo = w.fifo[1:]
		w.tree.Remove(oldest)
	}
}

// Percentile returns the value at rank p (0..1) within the window, or 0
// if the window is empty.
func (w *statsWindow) Percentile(p float64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.tree.Len()
	if n == 0 {
		return 0
	}
	idx := int(p * float64(n-1))
	iter := w.tree.Iterator(avl.Forward)
	i := 0
	for node := iter.First(); node != nil; node = iter.Next() {
		if i == idx {
			return node.Value.(*sample).value
		}
		i++
	}
	return 0
}

func (w *statsWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tree.Len()
}

// quarantineState tracks a channel's "keep trying or back off" status
// (spec §4.5: "unresponsive channels are quarantined with exponential
// backoff, capped at 5 minutes, reset to 1s after a successful connect").
type quarantineState struct {
	mu          sync.Mutex
	backoff     time.Duration
	quarantined time.Time
}

const (
	quarantineBase = time.Second
	quarantineCap  = 5 * time.Minute
)

func (q *quarantineState) Fail(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.backoff == 0 {
		q.backoff = quarantineBase
	} else {
		q.backoff *= 2
		if q.backoff > quarantineCap {
			q.backoff = quarantineCap
		}
	}
	q.quarantined = now.Add(q.backoff)
}

func (q *quarantineState) Succeed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoff = 0
	q.quarantined = time.Time{}
}

func (q *quarantineState) Available(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return now.After(q.quarantined)
}

// Channel is one reachable endpoint for a server, tracked with rolling
// RTT/connect-time statistics and quarantine/backoff state (spec §4.5).
type Channel struct {
	Endpoint transport.Endpoint

	rtt        *statsWindow
	connectDur *statsWindow
	quarantine quarantineState
}

// NewChannel constructs a Channel over the given dialable endpoint.
func NewChannel(ep transport.Endpoint) *Channel {
	return &Channel{
		Endpoint:   ep,
		rtt:        newStatsWindow(64),
		connectDur: newStatsWindow(16),
	}
}

// RecordRTT adds an RTT sample from a successful request/response.
func (c *Channel) RecordRTT(d time.Duration) { c.rtt.Add(d) }

// RecordConnect adds a connect-time sample and clears quarantine.
func (c *Channel) RecordConnect(d time.Duration) {
	c.connectDur.Add(d)
	c.quarantine.Succeed()
}

// RecordFailure extends the channel's quarantine backoff.
func (c *Channel) RecordFailure(now time.Time) { c.quarantine.Fail(now) }

// Available reports whether the channel is out of quarantine.
func (c *Channel) Available(now time.Time) bool { return c.quarantine.Available(now) }

// MedianRTT is the p50 RTT over the rolling window, used by
// CloudConnections to rank channels (spec §4.5).
func (c *Channel) MedianRTT() time.Duration { return c.rtt.Percentile(0.5) }

// MedianConnectTime is the p50 connect duration over the rolling window.
func (c *Channel) MedianConnectTime() time.Duration { return c.connectDur.Percentile(0.5) }
