package reactor

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCallLater_RunsOnLoop(t *testing.T) {
	r := startReactor(t)

	fired := make(chan struct{})
	r.CallLater(10*time.Millisecond, func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("delayed call did not fire")
	}
}

func TestCallLater_Cancel(t *testing.T) {
	r := startReactor(t)

	fired := false
	c := r.CallLater(50*time.Millisecond, func() {
		fired = true
	})

	assert.Check(t, c.Active())
	assert.Check(t, c.Cancel())
	assert.Check(t, !c.Active())
	assert.Check(t, !c.Cancel(), "second cancel should be a no-op")

	time.Sleep(100 * time.Millisecond)
	_, err := r.Call(time.Second, func() (any, error) {
		return nil, nil
	})
	assert.Assert(t, err)
	assert.Check(t, !fired)
}

func TestCallLater_InactiveOnceFired(t *testing.T) {
	r := startReactor(t)

	fired := make(chan struct{})
	c := r.CallLater(10*time.Millisecond, func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("delayed call did not fire")
	}
	assert.Check(t, !c.Active())
}

func TestLoop_SubmitAfterDeath(t *testing.T) {
	l := newLoop(discardLogger())
	started := make(chan struct{})
	go l.run(func() { close(started) })
	<-started

	l.submit(l.crash)
	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}

	assert.Check(t, cmp.Equal(l.submit(func() {}), false))
	assert.Check(t, !l.alive())
}
