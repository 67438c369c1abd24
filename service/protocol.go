package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/canonical/txfixtures/reactor"
)

// defaultMinUptime is how long the process must stay up before it can be
// considered running at all. It catches common spawn problems, like an
// executable that is not in PATH or exits immediately.
const defaultMinUptime = 100 * time.Millisecond

// Protocol tracks the startup and termination of a single service process.
//
// The process is ready once it has stayed up for at least minUptime, it has
// emitted the expected output (if one is configured), and it is listening
// on the expected port (if one is configured); the conditions are always
// checked in that order. Unconfigured conditions hold vacuously.
//
// All methods run on the reactor loop; only the two deferreds may be
// observed from other goroutines.
type Protocol struct {
	reactor *reactor.Reactor
	parser  *OutputParser
	logger  *slog.Logger

	timeout   time.Duration
	minUptime time.Duration

	expectedOutput string
	expectedPort   int

	// Ready fires once every configured readiness condition holds, or fails
	// if the process exits, the timeout elapses, or it is cancelled first.
	// It fires exactly once.
	Ready *reactor.Deferred

	// Terminated fires once the process has exited and been reaped,
	// independently of whether readiness was ever reached.
	Terminated *reactor.Deferred

	uptimeElapsed bool
	outputSeen    bool

	// disconnecting is set once the startup sequence is aborting; no
	// condition may mutate readiness state after that.
	disconnecting bool

	minUptimeCall *reactor.DelayedCall
	timeoutCall   *reactor.DelayedCall
	probe         *portProbe
}

// NewProtocol returns a Protocol bound to a reactor loop. timeout bounds
// the whole readiness sequence.
func NewProtocol(r *reactor.Reactor, parser *OutputParser, timeout time.Duration, logger *slog.Logger) *Protocol {
	p := &Protocol{
		reactor:   r,
		parser:    parser,
		logger:    logger,
		timeout:   timeout,
		minUptime: defaultMinUptime,
	}
	p.Ready = reactor.NewCancellableDeferred(p.stopWaitingForReady)
	p.Terminated = reactor.NewDeferred()
	return p
}

// processStarted begins the readiness sequence. Runs on the loop, right
// after the process has been spawned.
func (p *Protocol) processStarted() {
	p.logger.Info("service: process spawned")

	p.timeoutCall = p.reactor.CallLater(p.timeout, func() {
		p.Ready.Cancel(fmt.Errorf("%w after %s", ErrReadinessTimeout, p.timeout))
	})

	p.minUptimeCall = p.reactor.CallLater(p.minUptime, p.minUptimeElapsed)

	if p.expectedOutput != "" {
		p.parser.WhenLineContains(p.expectedOutput, p.outputReceived)
	} else {
		p.outputSeen = true
	}
}

// lineReceived routes one line of process output. Runs on the loop.
func (p *Protocol) lineReceived(line string) {
	if p.disconnecting {
		return
	}
	p.parser.LineReceived(line)
}

// processExited records the process exit. Runs on the loop. A process that
// dies before readiness fails Ready with its exit reason.
func (p *Protocol) processExited(reason error) {
	if reason != nil {
		p.logger.Info("service: process exited", "error", reason)
	} else {
		p.logger.Info("service: process exited")
	}

	if !p.Ready.Called() {
		if reason == nil {
			reason = errors.New("service exited before becoming ready")
		}
		p.Ready.Cancel(reason)
	}
}

func (p *Protocol) minUptimeElapsed() {
	if p.disconnecting {
		return
	}
	p.logger.Info("service: process alive", "uptime", p.minUptime)
	p.uptimeElapsed = true
	p.maybeAdvance()
}

func (p *Protocol) outputReceived() {
	if p.disconnecting {
		return
	}
	p.logger.Info("service: expected output received", "output", p.expectedOutput)
	p.outputSeen = true
	p.maybeAdvance()
}

// maybeAdvance moves the readiness sequence forward: uptime first, then
// output, then the port probe, then ready.
func (p *Protocol) maybeAdvance() {
	if p.disconnecting || !p.uptimeElapsed || !p.outputSeen {
		return
	}
	if p.expectedPort != 0 {
		if p.probe == nil {
			p.logger.Info("service: polling port", "port", p.expectedPort)
			p.probe = startPortProbe(p.expectedPort, probeInterval, p.logger, func() {
				p.reactor.Submit(p.fireReady)
			})
		}
		return
	}
	p.fireReady()
}

func (p *Protocol) fireReady() {
	if p.disconnecting {
		return
	}
	p.logger.Info("service: process ready")
	if p.timeoutCall != nil {
		p.timeoutCall.Cancel()
	}
	p.Ready.Resolve(nil)
}

// stopWaitingForReady is the Ready canceller: it stops whichever wait is in
// flight and fails Ready with an error naming the outstanding condition.
// Runs on the loop (Ready may only be cancelled from there).
func (p *Protocol) stopWaitingForReady(cause error) {
	p.disconnecting = true

	var outstanding string
	switch {
	case p.minUptimeCall != nil && p.minUptimeCall.Active():
		p.minUptimeCall.Cancel()
		outstanding = "minimum uptime not yet elapsed"
	case p.expectedOutput != "" && !p.outputSeen:
		outstanding = "expected output not yet received"
	case p.expectedPort != 0:
		if p.probe != nil {
			p.probe.stop()
		}
		outstanding = "expected port not yet open"
	}
	if p.timeoutCall != nil {
		p.timeoutCall.Cancel()
	}

	p.logger.Info("service: giving up waiting for readiness", "outstanding", outstanding)

	if outstanding != "" {
		p.Ready.Fail(fmt.Errorf("%w: %s", cause, outstanding))
	} else {
		p.Ready.Fail(cause)
	}
}
