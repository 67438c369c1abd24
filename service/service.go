package service

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/canonical/txfixtures/closer"
	"github.com/canonical/txfixtures/osutils"
	"github.com/canonical/txfixtures/reactor"
)

// DefaultTimeout bounds the readiness protocol of a spawned service.
const DefaultTimeout = 15 * time.Second

// reapTimeout bounds the wait for the process to be reaped after a
// forceful kill.
const reapTimeout = 5 * time.Second

type Config struct {
	// Command is the argument vector of the service process.
	Command []string

	// Env is the process environment. Defaults to the current environment.
	Env []string

	// Dir is the working directory, typically a test scratch directory.
	// Defaults to the current directory.
	Dir string

	// Timeout bounds the whole readiness protocol. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// Logger receives the routed process output and the fixture's own
	// lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service spawns, monitors and stops one background service process on a
// reactor loop. Configure expectations before SetUp; after SetUp returns
// the process is running and observably satisfies all of them.
type Service struct {
	reactor *reactor.Reactor
	command []string
	env     []string
	dir     string
	logger  *slog.Logger

	parser   *OutputParser
	protocol *Protocol

	// Loop-owned after SetUp.
	cmd       *exec.Cmd
	triggerID int

	// pid publishes the process id to goroutines off the loop.
	pid atomic.Int64
}

// New returns a Service driving cfg.Command on the given reactor. The
// reactor is an explicit dependency: services never reach for shared global
// loop state.
func New(r *reactor.Reactor, cfg Config) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}

	name := "service"
	if len(cfg.Command) > 0 {
		name = filepath.Base(cfg.Command[0])
	}
	parser := newOutputParser(name, cfg.Logger)

	return &Service{
		reactor:  r,
		command:  cfg.Command,
		env:      cfg.Env,
		dir:      cfg.Dir,
		logger:   cfg.Logger,
		parser:   parser,
		protocol: NewProtocol(r, parser, cfg.Timeout, cfg.Logger),
	}
}

// Protocol exposes the readiness protocol, mostly for advanced callers and
// tests. Its state is loop-owned.
func (s *Service) Protocol() *Protocol {
	return s.protocol
}

// ExpectOutput makes readiness wait until the process emits a line
// containing text. Must be called before SetUp.
func (s *Service) ExpectOutput(text string) {
	s.protocol.expectedOutput = text
}

// ExpectPort makes readiness wait until the process listens on the given
// local TCP port. Must be called before SetUp.
func (s *Service) ExpectPort(port int) {
	s.protocol.expectedPort = port
}

// SetOutputFormat sets the pattern the process's output lines are parsed
// with, see OutputParser.SetPattern. Must be called before SetUp.
func (s *Service) SetOutputFormat(template string) error {
	return s.parser.SetPattern(template)
}

// AllocatePort binds an ephemeral local port and releases it immediately,
// returning its number for the caller to pass to the service process.
//
// This is inherently racy: something else may grab the port between the
// release and the service binding it. In practice it works well enough for
// the kind of processes this package spawns.
func AllocatePort() (port int, err error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer closer.ErrorHandler(l, &err)
	return l.Addr().(*net.TCPAddr).Port, nil
}

// SetUp spawns the service process and waits for it to become ready.
func (s *Service) SetUp() error {
	s.logger.Info("service: spawning process", "command", s.command)
	// The bridged call gets one extra second over the readiness budget, so
	// a hung loop surfaces as a call timeout rather than being mistaken for
	// a readiness timeout.
	_, err := s.reactor.Call(s.protocol.timeout+time.Second, s.start)
	return err
}

// CleanUp stops the service process. If the bridged terminate call fails in
// any way (for example the loop is hung), the process is killed forcefully
// with a bounded wait, so a child is never silently left running.
func (s *Service) CleanUp() error {
	s.logger.Info("service: stopping process", "command", s.command)

	_, err := s.reactor.Call(s.protocol.timeout+time.Second, s.terminate)
	if err == nil {
		return nil
	}

	pid := s.Pid()
	if pid == 0 {
		return err
	}
	s.logger.Warn("service: process did not terminate cleanly, killing it", "pid", pid, "error", err)
	if kerr := osutils.KillMayRace(pid, syscall.SIGKILL); kerr != nil {
		return fmt.Errorf("killing process %d: %w", pid, kerr)
	}
	select {
	case <-s.protocol.Terminated.Done():
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("process %d was not reaped after kill", pid)
	}
}

// Reset fails with ErrServiceDied if the process exited on its own since
// the last check.
func (s *Service) Reset() error {
	if s.protocol.Terminated.Called() {
		return ErrServiceDied
	}
	return nil
}

// Pid returns the OS process id, or 0 if no process was spawned.
func (s *Service) Pid() int {
	return int(s.pid.Load())
}

// start runs on the loop. It returns the Ready deferred, which the bridged
// call then resolves before handing control back to SetUp.
func (s *Service) start() (any, error) {
	if len(s.command) == 0 {
		return nil, fmt.Errorf("service: no command configured")
	}

	//#nosec:G204 // deliberately running a caller-provided command for tests
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Env = s.env
	cmd.Dir = s.dir

	// Both output streams are routed through the same line parser.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		// Spawn failures surface through the readiness deferred, carrying
		// the OS-level reason. They are not retried.
		s.protocol.Ready.Fail(fmt.Errorf("failed to spawn %q: %w", s.command[0], err))
		return s.protocol.Ready, nil
	}
	s.cmd = cmd
	s.pid.Store(int64(cmd.Process.Pid))

	// If the reactor is shut down from the outside (a signal), terminate
	// the child as part of the shutdown sequence.
	s.triggerID = s.reactor.AddSystemEventTrigger(s.terminateOnShutdown)

	s.protocol.processStarted()

	go s.pumpOutput(pr)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		s.reactor.Submit(func() { s.protocol.processExited(err) })
		// Resolved directly, not via a loop job: shutdown triggers block the
		// loop while waiting on it.
		s.protocol.Terminated.Resolve(nil)
	}()

	return s.protocol.Ready, nil
}

// pumpOutput feeds complete output lines into the loop. A line longer than
// maxLineLength is truncated, not fatal: the pump keeps reading so later
// lines still reach the parser and the pipe writer never blocks.
func (s *Service) pumpOutput(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if !truncated {
			line = append(line, chunk...)
			if len(line) > maxLineLength {
				line = line[:maxLineLength]
				truncated = true
			}
		}
		if err == nil && isPrefix {
			continue
		}
		if err == nil || len(line) > 0 {
			text := string(line)
			s.reactor.Submit(func() { s.protocol.lineReceived(text) })
		}
		if err != nil {
			return
		}
		line = line[:0]
		truncated = false
	}
}

// terminate runs on the loop: it clears the shutdown trigger, asks the
// process to stop and returns the Terminated deferred for the bridged call
// to resolve.
func (s *Service) terminate() (any, error) {
	if s.triggerID != 0 {
		s.reactor.RemoveSystemEventTrigger(s.triggerID)
		s.triggerID = 0
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil, nil
	}

	s.signalTerm()
	s.logger.Info("service: waiting for process to terminate")
	return s.protocol.Terminated, nil
}

// terminateOnShutdown runs as a reactor shutdown trigger. It must not rely
// on further loop jobs: Terminated is resolved directly by the process
// waiter, so blocking here is safe.
func (s *Service) terminateOnShutdown() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.signalTerm()
	select {
	case <-s.protocol.Terminated.Done():
	case <-time.After(s.protocol.timeout):
		s.logger.Warn("service: process did not exit during reactor shutdown", "command", s.command)
	}
}

func (s *Service) signalTerm() {
	s.logger.Info("service: sending SIGTERM", "pid", s.cmd.Process.Pid)
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
}
