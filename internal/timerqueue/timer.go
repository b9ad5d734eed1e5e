package timerqueue

import "time"

// fireTimer wraps a time.Timer so run() can reset it with a nanosecond
// wait duration (TimerQueue's priority clock) without leaking timers.
type fireTimer struct {
	t *time.Timer
	c <-chan time.Time
}

func newFireTimer() *fireTimer {
	t := time.NewTimer(time.Hour)
	return &fireTimer{t: t, c: t.C}
}

func (f *fireTimer) reset(waitNanos uint64) {
	if !f.t.Stop() {
		select {
		case <-f.t.C:
		default:
		}
	}
	d := time.Duration(waitNanos)
	if d <= 0 {
		d = time.Nanosecond
	}
	const maxDuration = time.Duration(1<<63 - 1)
	if waitNanos > uint64(maxDuration) {
		d = maxDuration
	}
	f.t.Reset(d)
	f.c = f.t.C
}

func (f *fireTimer) stop() {
	f.t.Stop()
}
