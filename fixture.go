/*
Package txfixtures treats long-running, event-driven processes as ordinary
test dependencies.

The reactor package runs an event loop on a background goroutine and bridges
synchronous test code into it; the service package spawns a child process on
that loop and waits for it to be observably ready (uptime, expected output,
open port) before the test proceeds. This package ties fixtures into the
standard testing lifecycle.
*/
package txfixtures

import (
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
)

// Fixture is a start/stop-able test dependency. Both reactor.Reactor and
// service.Service satisfy it.
type Fixture interface {
	SetUp() error
	CleanUp() error
}

// Use sets fx up, failing the test if that does not work, and registers its
// cleanup with t.
func Use(t testing.TB, fx Fixture) {
	t.Helper()
	assert.Assert(t, fx.SetUp())
	t.Cleanup(func() {
		assert.Check(t, fx.CleanUp())
	})
}

// Group manages several independent fixtures as a unit: set up in the order
// they were added, cleaned up concurrently. Fixtures with ordering
// requirements between them (a reactor and the services that run on it)
// belong in separate groups, or directly in Use.
type Group struct {
	mu       sync.Mutex
	fixtures []Fixture
}

// Add registers fx with the group. Not valid once SetUp has been called.
func (g *Group) Add(fx Fixture) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fixtures = append(g.fixtures, fx)
}

// SetUp sets the fixtures up in order. On the first failure it cleans up
// whatever was already set up, best effort, and returns the failure.
func (g *Group) SetUp() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, fx := range g.fixtures {
		if err := fx.SetUp(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = g.fixtures[j].CleanUp()
			}
			return err
		}
	}
	return nil
}

// CleanUp cleans all fixtures up concurrently, returning the first error.
func (g *Group) CleanUp() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var eg errgroup.Group
	for _, fx := range g.fixtures {
		fx := fx
		eg.Go(fx.CleanUp)
	}
	g.fixtures = nil
	return eg.Wait()
}
