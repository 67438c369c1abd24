package reactor

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds loop start, stop and signal-driven shutdown.
const DefaultTimeout = 5 * time.Second

// Reactor runs an event loop on a dedicated background goroutine for the
// duration of a test, and bridges synchronous calls into it.
//
// A Reactor is an explicit handle: fixtures that need the loop take the
// Reactor as a parameter rather than reaching for shared global state.
type Reactor struct {
	timeout time.Duration
	log     *slog.Logger

	mu   sync.Mutex
	loop *loop // replaced wholesale on recovery, never restarted

	signals chan os.Signal
}

// New returns a Reactor with the default start/stop timeout.
func New() *Reactor {
	return NewWithTimeout(DefaultTimeout)
}

// NewWithTimeout returns a Reactor whose start, stop and bridged shutdown
// operations fail after timeout.
func NewWithTimeout(timeout time.Duration) *Reactor {
	return &Reactor{
		timeout: timeout,
		log:     slog.Default(),
	}
}

// SetUp starts the event loop. It blocks until the loop signals that it is
// running, or fails with ErrStartTimeout.
func (r *Reactor) SetUp() error {
	r.log.Info("reactor: starting event loop goroutine")
	return r.start()
}

// CleanUp stops the event loop, see Stop.
func (r *Reactor) CleanUp() error {
	return r.Stop()
}

func (r *Reactor) start() error {
	l := newLoop(r.log)
	started := make(chan struct{})
	go l.run(func() { close(started) })

	select {
	case <-started:
	case <-time.After(r.timeout):
		l.crash()
		return fmt.Errorf("%w within %s", ErrStartTimeout, r.timeout)
	}

	r.mu.Lock()
	r.loop = l
	r.mu.Unlock()

	// The child-exit waker must be registered from the loop itself, since
	// the notification channel becomes loop-owned state.
	if _, err := r.Call(r.timeout, func() (any, error) {
		l.addChildWaker()
		return nil, nil
	}); err != nil {
		return err
	}

	r.installSignalHandlers(l)

	r.log.Info("reactor: event loop started")
	return nil
}

// installSignalHandlers forwards SIGINT and SIGTERM into the loop so that
// registered shutdown triggers run (terminating any supervised children)
// before the signal's default behaviour is re-raised.
func (r *Reactor) installSignalHandlers(l *loop) {
	r.signals = make(chan os.Signal, 1)
	signal.Notify(r.signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig, ok := <-r.signals
		if !ok {
			return
		}
		r.log.Warn("reactor: received signal, shutting down the loop", "signal", sig.String())
		l.submit(l.shutdown)
		select {
		case <-l.done:
		case <-time.After(r.timeout):
			r.log.Warn("reactor: loop did not shut down after signal")
		}
		signal.Stop(r.signals)
		if s, isSyscall := sig.(syscall.Signal); isSyscall {
			_ = syscall.Kill(syscall.Getpid(), s)
		}
	}()
}

func (r *Reactor) removeSignalHandlers() {
	if r.signals == nil {
		return
	}
	signal.Stop(r.signals)
	close(r.signals)
	r.signals = nil
}

func (r *Reactor) loopHandle() *loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop
}

type callResult struct {
	val any
	err error
}

// Call submits fn to run on the loop goroutine and blocks until its result
// arrives or timeout elapses. If fn returns a *Deferred, Call waits for the
// Deferred to fire and returns its result instead.
//
// A timed out call is abandoned without blocking the loop: the underlying
// work may still complete, and its result is then discarded.
func (r *Reactor) Call(timeout time.Duration, fn func() (any, error)) (any, error) {
	l := r.loopHandle()
	if l == nil {
		return nil, fmt.Errorf("reactor: not started")
	}

	// Single-slot channel: exactly one result is ever delivered, and an
	// abandoned call never blocks the sender.
	results := make(chan callResult, 1)

	submitted := l.submit(func() {
		val, err := fn()
		if d, isDeferred := val.(*Deferred); isDeferred && err == nil {
			// Resolve off-loop so the loop stays free to process the events
			// that will fire the deferred.
			go func() {
				<-d.Done()
				v, e := d.Result()
				results <- callResult{val: v, err: e}
			}()
			return
		}
		results <- callResult{val: val, err: err}
	})
	if !submitted {
		return nil, fmt.Errorf("reactor: event loop goroutine is dead")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-results:
		return res.val, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	}
}

// Submit queues fn to run on the loop goroutine without waiting for it. It
// reports whether the loop accepted the job.
func (r *Reactor) Submit(fn func()) bool {
	l := r.loopHandle()
	if l == nil {
		return false
	}
	return l.submit(fn)
}

// CallLater schedules fn to run on the loop after d.
func (r *Reactor) CallLater(d time.Duration, fn func()) *DelayedCall {
	l := r.loopHandle()
	if l == nil {
		return nil
	}
	return l.callLater(d, fn)
}

// AddSystemEventTrigger registers fn to run on the loop just before a
// signal-driven shutdown halts it. Must be called from a loop job. The
// returned id can be passed to RemoveSystemEventTrigger.
func (r *Reactor) AddSystemEventTrigger(fn func()) int {
	return r.loopHandle().addTrigger(fn)
}

// RemoveSystemEventTrigger unregisters a shutdown trigger. Must be called
// from a loop job.
func (r *Reactor) RemoveSystemEventTrigger(id int) {
	r.loopHandle().removeTrigger(id)
}

// Reset checks that the loop is still usable. If the loop goroutine died,
// it recovers by resetting leftover loop state and starting a fresh loop on
// a fresh goroutine. If the goroutine is alive but the loop is no longer
// marked running, it fails with ErrHungLoop: nothing can be done for a hung
// loop from another goroutine.
func (r *Reactor) Reset() error {
	l := r.loopHandle()
	if l == nil {
		return fmt.Errorf("reactor: not started")
	}
	if !l.alive() {
		r.log.Warn("reactor: loop goroutine died, trying to recover")
		if err := r.Stop(); err != nil {
			return err
		}
		return r.start()
	}
	if !l.running.Load() {
		return ErrHungLoop
	}
	return nil
}

// Stop shuts the loop down. With a live goroutine it confirms the loop is
// still marked running (else ErrHungLoop), bridges a halt call and joins
// the goroutine within the timeout. With a dead goroutine that still
// reports running, it force-resets the loop state directly: that is only
// acceptable because nothing else can be executing it, and even then it is
// best-effort, not guaranteed race-free.
func (r *Reactor) Stop() error {
	l := r.loopHandle()
	if l == nil {
		return nil
	}
	r.removeSignalHandlers()

	switch {
	case l.alive():
		r.log.Info("reactor: stopping event loop and waiting for its goroutine")
		if !l.running.Load() {
			return ErrHungLoop
		}
		if _, err := r.Call(r.timeout, func() (any, error) {
			l.crash()
			return nil, nil
		}); err != nil {
			return fmt.Errorf("%w: %s", ErrLoopStopFailure, err)
		}
		select {
		case <-l.done:
		case <-time.After(r.timeout):
			return ErrStopTimeout
		}
	case l.running.Load():
		r.log.Warn("reactor: loop has broken state, trying to reset it")
		l.crash()
	}

	r.mu.Lock()
	r.loop = nil
	r.mu.Unlock()

	r.log.Info("reactor: event loop stopped")
	return nil
}
