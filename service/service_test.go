package service_test

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/canonical/txfixtures/internal/syncbuffer"
	"github.com/canonical/txfixtures/osutils"
	"github.com/canonical/txfixtures/reactor"
	"github.com/canonical/txfixtures/service"
	"github.com/canonical/txfixtures/testing/compiler"
	"github.com/canonical/txfixtures/testing/poll"
)

var binary string

func TestMain(m *testing.M) {
	c := compiler.New()

	var err error
	binary, err = c.Compile(context.Background(), "testservice", "..", "./service/internal/testservice")
	if err != nil {
		fmt.Fprintln(os.Stderr, "compiling testservice:", err)
		c.Cleanup()
		os.Exit(1)
	}

	code := m.Run()
	c.Cleanup()
	os.Exit(code)
}

func startReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r := reactor.New()
	assert.Assert(t, r.SetUp())
	t.Cleanup(func() { assert.Check(t, r.CleanUp()) })
	return r
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&syncbuffer.SyncBuffer{}, nil))
}

func TestService_EndToEnd(t *testing.T) {
	r := startReactor(t)

	port, err := service.AllocatePort()
	assert.Assert(t, err)

	s := service.New(r, service.Config{
		Command: []string{binary, "-banner", "ready", "-port", strconv.Itoa(port)},
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
		Logger:  discardLogger(),
	})
	s.ExpectOutput("ready")
	s.ExpectPort(port)

	assert.Assert(t, s.SetUp())

	pid := s.Pid()
	assert.Check(t, pid != 0)
	assert.Check(t, s.Reset())

	conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port))
	assert.Assert(t, err)
	_ = conn.Close()

	assert.Assert(t, s.CleanUp())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	poll.AssertIt(ctx, t, 5*time.Second, func() (bool, error) {
		return !osutils.PidAlive(pid), nil
	})
}

func TestService_ReadinessTimeout(t *testing.T) {
	r := startReactor(t)

	s := service.New(r, service.Config{
		Command: []string{binary, "-banner", "something else"},
		Dir:     t.TempDir(),
		Timeout: 200 * time.Millisecond,
		Logger:  discardLogger(),
	})
	s.ExpectOutput("never matches")

	start := time.Now()
	err := s.SetUp()
	elapsed := time.Since(start)

	assert.Check(t, cmp.ErrorIs(err, service.ErrReadinessTimeout))
	assert.Check(t, cmp.ErrorContains(err, "expected output not yet received"))
	assert.Check(t, elapsed < 2*time.Second, "setup took %s", elapsed)

	// The process is still running; cleanup must reap it.
	assert.Check(t, s.CleanUp())
}

func TestService_ExitsBeforeReady(t *testing.T) {
	r := startReactor(t)

	s := service.New(r, service.Config{
		Command: []string{binary, "-banner", "up", "-exit-after", "50ms"},
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
		Logger:  discardLogger(),
	})
	s.ExpectOutput("never matches")

	err := s.SetUp()
	assert.Check(t, cmp.ErrorContains(err, "exit status"))
	assert.Check(t, s.CleanUp())
}

func TestService_MissingExecutable(t *testing.T) {
	r := startReactor(t)

	s := service.New(r, service.Config{
		Command: []string{"/does/not/exist/anywhere"},
		Dir:     t.TempDir(),
		Timeout: time.Second,
		Logger:  discardLogger(),
	})

	err := s.SetUp()
	assert.Check(t, cmp.ErrorContains(err, "failed to spawn"))
	assert.Check(t, cmp.Equal(s.Pid(), 0))
	assert.Check(t, s.CleanUp())
}

func TestService_ResetAfterDeath(t *testing.T) {
	r := startReactor(t)

	s := service.New(r, service.Config{
		Command: []string{binary, "-banner", "ready"},
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
		Logger:  discardLogger(),
	})
	s.ExpectOutput("ready")

	assert.Assert(t, s.SetUp())
	assert.Assert(t, s.Reset())

	// Kill the process behind the fixture's back.
	assert.Assert(t, syscall.Kill(s.Pid(), syscall.SIGKILL))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	poll.AssertIt(ctx, t, 5*time.Second, func() (bool, error) {
		return s.Reset() != nil, nil
	})
	assert.Check(t, cmp.ErrorIs(s.Reset(), service.ErrServiceDied))

	assert.Check(t, s.CleanUp())
}

func TestService_OversizedOutputLine(t *testing.T) {
	r := startReactor(t)

	// A 2MB line precedes the banner; readiness must still see the banner.
	s := service.New(r, service.Config{
		Command: []string{binary, "-longline", strconv.Itoa(2 << 20), "-banner", "ready"},
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
		Logger:  discardLogger(),
	})
	s.ExpectOutput("ready")

	assert.Assert(t, s.SetUp())
	assert.Check(t, s.CleanUp())
}

func TestService_OutputRouted(t *testing.T) {
	r := startReactor(t)

	buf := &syncbuffer.SyncBuffer{}
	s := service.New(r, service.Config{
		Command: []string{binary, "-banner", "router online"},
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
		Logger:  slog.New(slog.NewTextHandler(buf, nil)),
	})
	s.ExpectOutput("router online")

	assert.Assert(t, s.SetUp())
	t.Cleanup(func() { assert.Check(t, s.CleanUp()) })

	out := buf.String()
	assert.Check(t, cmp.Contains(out, "router online"))
	assert.Check(t, cmp.Contains(out, "service=testservice"))
}
