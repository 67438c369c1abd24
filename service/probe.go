package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// probeInterval is the fixed delay between connect attempts.
const probeInterval = 100 * time.Millisecond

// portProbe periodically attempts a TCP connect to a local port until it
// succeeds or the probe is stopped. There is no bound on the number of
// attempts: the readiness timeout is what eventually stops a probe that
// never succeeds.
type portProbe struct {
	port   int
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// startPortProbe begins probing port. onOpen is called once, from the probe
// goroutine, when a connect attempt succeeds; stopping the probe aborts any
// attempt in flight without calling it.
func startPortProbe(port int, interval time.Duration, logger *slog.Logger, onOpen func()) *portProbe {
	ctx, cancel := context.WithCancel(context.Background())
	p := &portProbe{
		port:   port,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, interval, onOpen)
	return p
}

func (p *portProbe) run(ctx context.Context, interval time.Duration, onOpen func()) {
	defer close(p.done)

	addr := fmt.Sprintf("localhost:%d", p.port)
	attempt := func() error {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			// An attempt aborted by stop is not a failure; only genuine
			// connect refusals are logged and counted.
			if ctx.Err() == nil {
				p.logger.Info("service: port probe failed", "port", p.port, "error", err)
			}
			return err
		}
		_ = conn.Close()
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		// Stopped while probing; the in-flight dial was aborted by ctx.
		return
	}

	p.logger.Info("service: port open", "port", p.port)
	onOpen()
}

// stop cancels the probe, aborting any connect attempt in flight.
func (p *portProbe) stop() {
	p.cancel()
}
