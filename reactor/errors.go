package reactor

import "errors"

var (
	// ErrCallTimeout is returned by Call when no result arrived within the
	// caller's budget. The pending call is abandoned; any late result is
	// discarded.
	ErrCallTimeout = errors.New("timed out waiting for call result")

	// ErrHungLoop means the loop goroutine is alive but the loop is no
	// longer marked running. There is no safe way to recover from another
	// goroutine, so this is reported rather than retried.
	ErrHungLoop = errors.New("hung event loop detected")

	// ErrStartTimeout means the loop goroutine did not signal that it was
	// running in time.
	ErrStartTimeout = errors.New("could not start the event loop")

	// ErrStopTimeout means the loop accepted the stop request but its
	// goroutine did not exit in time.
	ErrStopTimeout = errors.New("could not stop the event loop goroutine")

	// ErrLoopStopFailure means the bridged stop call itself failed.
	ErrLoopStopFailure = errors.New("could not stop the event loop")
)
