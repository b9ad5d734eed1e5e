// Package worker provides the cooperative-goroutine halting primitive
// embedded by serversession.Session and internal/timerqueue's queue (which
// drives SafeStream's retransmit timers).
//
// It reproduces the embeddable Worker idiom used throughout the upstream
// katzenpost tree (core/worker), which this module's teacher package
// imports but does not vendor a copy of. Goroutines started with Go watch
// HaltCh for shutdown.
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines.
// The zero value is ready to use.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go launches fn in a new goroutine tracked by the Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Halt signals all goroutines started via Go to terminate. It does not
// block; call Wait to block until they have actually exited.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() { close(w.haltCh) })
}

// HaltAndWait signals and blocks until every goroutine started via Go has
// returned.
func (w *Worker) HaltAndWait() {
	w.Halt()
	w.Wait()
}
