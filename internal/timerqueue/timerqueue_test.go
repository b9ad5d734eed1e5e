package timerqueue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func nowNanos() uint64 { return uint64(time.Now().UnixNano()) }

func TestTimerQueueFiresInPriorityOrder(t *testing.T) {
	var fired []int
	ch := make(chan struct{}, 8)

	q := New(func(v interface{}) {
		fired = append(fired, v.(int))
		ch <- struct{}{}
	}, nowNanos)
	q.Start()
	defer q.Halt()

	now := nowNanos()
	q.Push(now+uint64(30*time.Millisecond), 3)
	q.Push(now+uint64(10*time.Millisecond), 1)
	q.Push(now+uint64(20*time.Millisecond), 2)

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fire")
		}
	}
	require.Equal(t, []int{1, 2, 3}, fired)
}

func TestTimerQueuePopRemovesHead(t *testing.T) {
	var calls int32
	q := New(func(v interface{}) { atomic.AddInt32(&calls, 1) }, nowNanos)
	q.Start()
	defer q.Halt()

	q.Push(nowNanos()+uint64(50*time.Millisecond), "x")
	require.Equal(t, 1, q.Len())
	q.Pop()
	require.Equal(t, 0, q.Len())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
