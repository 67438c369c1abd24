package service

import "errors"

var (
	// ErrReadinessTimeout means the readiness protocol did not complete
	// within the configured budget.
	ErrReadinessTimeout = errors.New("timed out waiting for the service to be ready")

	// ErrServiceDied is returned by Reset when the process exited on its
	// own at some point after becoming ready.
	ErrServiceDied = errors.New("service died")
)
