// Package timerqueue implements the priority-by-deadline queue that the
// teacher's client2/arq.go drives (`timerQueue.Push(priority, surbID)`,
// `timerQueue.Pop()`, `timerQueue.Peek()`) but whose own source is not in
// the retrieval pack — only its call sites are. Reimplemented here on
// container/heap, keeping its uint64 priorities (deadlines as UnixNano
// nanoseconds), for reuse by safestream's retransmit scheduling
// (spec §4.7) in place of katzenpost's SURB-ID-keyed retransmission.
package timerqueue

import (
	"container/heap"
	"sync"

	"github.com/aethernetio/aether-client-go/internal/worker"
)

type item struct {
	priority uint64
	value    interface{}
	index    int
}

type pq []*item

func (q pq) Len() int            { return len(q) }
func (q pq) Less(i, j int) bool  { return q[i].priority < q[j].priority }
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *pq) Push(x interface{}) { it := x.(*item); it.index = len(*q); *q = append(*q, it) }
func (q *pq) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Item is a read-only snapshot of a queued entry, returned by Peek.
type Item struct {
	Priority uint64
	Value    interface{}
}

// TimerQueue fires a callback for the lowest-priority ("earliest
// deadline") entry once its priority has elapsed, backed by a single
// worker goroutine and a timer that is reset to the new minimum whenever
// the queue's head changes — the same design as the teacher's ARQ
// TimerQueue call sites imply (one timer, not one goroutine per pending
// message).
type TimerQueue struct {
	worker.Worker

	mu     sync.Mutex
	heap   pq
	wakeCh chan struct{}
	fire   func(interface{})
	nowFn  func() uint64
}

// New constructs a TimerQueue. fire is invoked (from the queue's own
// worker goroutine) once an entry's priority deadline has passed. nowFn
// supplies the current priority clock (callers pass a monotonic
// nanosecond clock; tests can substitute a fake one).
func New(fire func(interface{}), nowFn func() uint64) *TimerQueue {
	return &TimerQueue{
		fire:   fire,
		nowFn:  nowFn,
		wakeCh: make(chan struct{}, 1),
	}
}

// Start launches the queue's worker goroutine. Must be called before Push.
func (q *TimerQueue) Start() {
	q.Go(q.run)
}

// Halt stops the worker goroutine.
func (q *TimerQueue) Halt() { q.Worker.Halt() }

// Wait blocks until the worker goroutine has exited.
func (q *TimerQueue) Wait() { q.Worker.Wait() }

// Push schedules value to fire at priority (same clock domain as nowFn).
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.mu.Lock()
	heap.Push(&q.heap, &item{priority: priority, value: value})
	q.mu.Unlock()
	q.poke()
}

// Pop removes and discards the current head, if any (used when an ACK
// makes a pending retransmit moot).
func (q *TimerQueue) Pop() {
	q.mu.Lock()
	if q.heap.Len() > 0 {
		heap.Pop(&q.heap)
	}
	q.mu.Unlock()
	q.poke()
}

// Peek returns the current head without removing it, or nil if empty.
func (q *TimerQueue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	it := q.heap[0]
	return &Item{Priority: it.priority, Value: it.value}
}

// Len returns the number of pending entries.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *TimerQueue) poke() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) run() {
	const maxWait = 1 << 62
	timer := newFireTimer()
	defer timer.stop()

	for {
		q.mu.Lock()
		var wait uint64 = maxWait
		if q.heap.Len() > 0 {
			now := q.nowFn()
			if q.heap[0].priority <= now {
				wait = 0
			} else {
				wait = q.heap[0].priority - now
			}
		}
		q.mu.Unlock()

		timer.reset(wait)

		select {
		case <-q.HaltCh():
			return
		case <-q.wakeCh:
			continue
		case <-timer.c:
			q.fireDue()
		}
	}
}

func (q *TimerQueue) fireDue() {
	now := q.nowFn()
	for {
		q.mu.Lock()
		if q.heap.Len() == 0 || q.heap[0].priority > now {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*item)
		q.mu.Unlock()
		q.fire(it.value)
	}
}
