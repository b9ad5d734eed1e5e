// Package action implements the single-threaded cooperative scheduler
// described in spec §5 and §9 ("Action processor"): a single Registry
// drives every registered Task from one run-loop, selecting
// min(next_wake_time) and otherwise waiting on external triggers posted
// via Trigger. No actor in this module (ServerSession, CloudRequest,
// Registration, SafeStream) registers a Task; each schedules its own
// timers through internal/worker and internal/timerqueue.
package action

import (
	"context"
	"sync"
	"time"
)

// Task is one cooperatively-scheduled actor. Update is called with the
// current time and must never block; it returns the time at which it next
// wants to be woken (the zero Time means "only on an explicit Trigger").
type Task interface {
	Update(now time.Time) (nextWake time.Time)
}

// Registry is the central action processor. The zero value is not usable;
// use New.
type Registry struct {
	mu      sync.Mutex
	tasks   map[int]Task
	nextID  int
	trigger chan struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:   make(map[int]Task),
		trigger: make(chan struct{}, 1),
	}
}

// handle identifies a registered Task so it can be removed.
type handle int

// Register adds t to the registry and returns a handle for Remove. It
// wakes the run-loop immediately so the new task gets its first Update
// promptly.
func (r *Registry) Register(t Task) handle {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.tasks[id] = t
	r.mu.Unlock()
	r.Poke()
	return handle(id)
}

// Remove drops a task from the registry; it receives no further Update
// calls.
func (r *Registry) Remove(h handle) {
	r.mu.Lock()
	delete(r.tasks, int(h))
	r.mu.Unlock()
}

// Poke wakes the run-loop on the next iteration regardless of any task's
// declared wake time. Used when external input arrives (a transport read,
// an incoming event) so its handling isn't delayed until a timer fires.
func (r *Registry) Poke() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Drive runs the scheduler loop until ctx is cancelled. It is meant to be
// run from exactly one goroutine owned by Aether (see client/aether docs).
func (r *Registry) Drive(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		wake := r.runOnce(now)

		var delay time.Duration
		if wake.IsZero() {
			delay = time.Hour
		} else if d := wake.Sub(now); d > 0 {
			delay = d
		} else {
			delay = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.trigger:
		}
	}
}

// runOnce calls Update on every registered task and returns the earliest
// requested wake time (the zero Time if no task asked for one).
func (r *Registry) runOnce(now time.Time) time.Time {
	r.mu.Lock()
	tasks := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	var earliest time.Time
	for _, t := range tasks {
		w := t.Update(now)
		if w.IsZero() {
			continue
		}
		if earliest.IsZero() || w.Before(earliest) {
			earliest = w
		}
	}
	return earliest
}
