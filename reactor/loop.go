package reactor

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// jobBuffer is sized so that event producers (process waiters, output pumps,
// probe goroutines) rarely block while the loop is busy inside a job.
const jobBuffer = 64

// loop is a single-goroutine, run-to-completion scheduler. Jobs, timers and
// shutdown triggers all execute on the one goroutine started by run, so
// loop-owned state needs no locking.
//
// A loop is never restarted: recovery replaces the whole handle with a fresh
// one.
type loop struct {
	jobs chan func()
	quit chan struct{}
	done chan struct{}

	// running is set when the loop enters its run cycle and cleared on a
	// clean halt. A goroutine that dies without clearing it (a panicked job)
	// leaves the loop in the broken state that Reset and Stop know how to
	// force-reset.
	running  atomic.Bool
	quitOnce sync.Once

	// childSignals wakes the loop when a child process exits. Registered on
	// the loop itself via addChildWaker, nil until then.
	childSignals chan os.Signal

	// triggers run on the loop just before a signal-driven shutdown halts
	// it. Loop-owned: only touched from jobs.
	triggers      []eventTrigger
	nextTriggerID int

	log *slog.Logger
}

type eventTrigger struct {
	id int
	fn func()
}

func newLoop(log *slog.Logger) *loop {
	return &loop{
		jobs: make(chan func(), jobBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
}

// run is the loop goroutine body. started is called once the loop is
// spinning.
func (l *loop) run(started func()) {
	defer close(l.done)
	defer func() {
		if l.childSignals != nil {
			signal.Stop(l.childSignals)
		}
		if r := recover(); r != nil {
			// The goroutine dies with running still set: that is the broken
			// state the caller recovers from via Reset or a forced Stop.
			l.log.Error("reactor: job panicked, loop goroutine dying", "panic", r)
		}
	}()

	l.running.Store(true)
	started()

	for {
		select {
		case <-l.quit:
			l.running.Store(false)
			return
		case <-l.childSignals:
			// Just a wake-up: reaping happens in per-process waiters.
		case job := <-l.jobs:
			job()
		}
	}
}

// submit queues job for execution on the loop goroutine. It returns false if
// the goroutine is dead.
func (l *loop) submit(job func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.jobs <- job:
		return true
	case <-l.done:
		return false
	}
}

// crash halts the loop without firing shutdown triggers. It is safe to call
// from a loop job, or from outside only once the goroutine is confirmed
// dead.
func (l *loop) crash() {
	l.running.Store(false)
	l.quitOnce.Do(func() { close(l.quit) })
}

// shutdown fires the registered system event triggers in order and then
// halts the loop. Must run as a loop job.
func (l *loop) shutdown() {
	for _, t := range l.triggers {
		t.fn()
	}
	l.triggers = nil
	l.crash()
}

func (l *loop) addTrigger(fn func()) int {
	l.nextTriggerID++
	l.triggers = append(l.triggers, eventTrigger{id: l.nextTriggerID, fn: fn})
	return l.nextTriggerID
}

func (l *loop) removeTrigger(id int) {
	for i, t := range l.triggers {
		if t.id == id {
			l.triggers = append(l.triggers[:i], l.triggers[i+1:]...)
			return
		}
	}
}

// addChildWaker registers a SIGCHLD notification channel as a loop wake-up
// source. Must run as a loop job, since the channel becomes loop-owned.
func (l *loop) addChildWaker() {
	l.childSignals = make(chan os.Signal, 1)
	signal.Notify(l.childSignals, syscall.SIGCHLD)
}

func (l *loop) alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// DelayedCall is a pending timer whose function will run as a loop job.
type DelayedCall struct {
	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// callLater schedules fn to run on the loop after d.
func (l *loop) callLater(d time.Duration, fn func()) *DelayedCall {
	c := &DelayedCall{active: true}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if !c.active {
			c.mu.Unlock()
			return
		}
		c.active = false
		c.mu.Unlock()
		l.submit(fn)
	})
	return c
}

// Cancel stops the delayed call if it has not fired yet, reporting whether
// it did anything.
func (c *DelayedCall) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	c.active = false
	c.timer.Stop()
	return true
}

// Active reports whether the call is still pending.
func (c *DelayedCall) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
