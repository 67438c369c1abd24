package reactor

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the failure a cancelled Deferred fires with when no more
// specific cause was given.
var ErrCancelled = errors.New("deferred cancelled")

// Deferred is a one-shot future. It fires exactly once, with either a value
// or an error; any later attempt to fire it is ignored.
//
// A canceller can be attached to run custom cleanup when the Deferred is
// cancelled before firing. The canceller receives the cancellation cause and
// may fail the Deferred itself with something more descriptive; if it does
// not, the Deferred fails with the cause. For loop-owned state, Cancel must
// be invoked from the loop (typically via a bridged call), so the canceller
// runs where that state may be touched.
type Deferred struct {
	mu        sync.Mutex
	done      chan struct{}
	val       any
	err       error
	fired     bool
	canceller func(cause error)
}

// NewDeferred returns an unfired Deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// NewCancellableDeferred returns an unfired Deferred with a cancellation
// callback. The canceller runs at most once.
func NewCancellableDeferred(canceller func(cause error)) *Deferred {
	return &Deferred{done: make(chan struct{}), canceller: canceller}
}

// Resolve fires the Deferred with a value. No-op if it already fired.
func (d *Deferred) Resolve(val any) { d.fire(val, nil) }

// Fail fires the Deferred with an error. No-op if it already fired.
func (d *Deferred) Fail(err error) { d.fire(nil, err) }

func (d *Deferred) fire(val any, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired {
		return
	}
	d.fired = true
	d.val, d.err = val, err
	close(d.done)
}

// Cancel aborts a pending Deferred. The attached canceller, if any, gets a
// chance to clean up whatever was being waited on and to fail the Deferred
// with a more descriptive error; otherwise the Deferred fails with cause
// (ErrCancelled when cause is nil).
func (d *Deferred) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	d.mu.Lock()
	if d.fired {
		d.mu.Unlock()
		return
	}
	canceller := d.canceller
	d.mu.Unlock()

	if canceller != nil {
		canceller(cause)
	}
	d.fire(nil, cause)
}

// Called reports whether the Deferred has fired.
func (d *Deferred) Called() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Done is closed once the Deferred has fired.
func (d *Deferred) Done() <-chan struct{} { return d.done }

// Result returns the fired value and error. Before firing it returns zero
// values; use Done or Wait to know when the result is meaningful.
func (d *Deferred) Result() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.val, d.err
}

// Wait blocks until the Deferred fires or ctx is done. It does not cancel
// the Deferred on context expiry: cancellation of loop-owned deferreds has
// to go through the loop.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
