/*
Package reactor runs a single-goroutine event loop as a test fixture.

Test code is synchronous, but the services it drives are event-driven: process
exits, output lines and timers all arrive asynchronously. This package bridges
the two worlds. The loop runs on a dedicated background goroutine for the
duration of the test, and Call submits work into it with a hard timeout, so a
dead or hung loop fails the test instead of hanging it.

All loop-owned state (readiness protocols, timers, process handles) must only
be touched from inside submitted jobs. The bridge is the only sanctioned
crossing point between the test goroutine and the loop.
*/
package reactor
