/*
Package osutils provides process-killing and pid-file helpers for fixtures
that supervise daemon-style processes.
*/
package osutils

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultPollInterval is how often TwoStageKill checks whether the
	// process has gone away.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultNumPolls is how many times TwoStageKill polls before
	// escalating to SIGKILL, roughly five seconds at the default interval.
	DefaultNumPolls = 50
)

var errStillRunning = errors.New("process still running")

// KillMayRace sends sig to pid, accepting that the process may already be
// gone: losing that race is not an error.
func KillMayRace(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.ECHILD) {
		return nil
	}
	return err
}

// TwoStageKill terminates pid with SIGTERM and, if it is still around after
// numPolls polls at pollInterval, SIGKILLs it. Zero arguments select the
// defaults.
func TwoStageKill(pid int, pollInterval time.Duration, numPolls int) error {
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	if numPolls == 0 {
		numPolls = DefaultNumPolls
	}

	if err := KillMayRace(pid, syscall.SIGTERM); err != nil {
		return err
	}

	if waitForExit(pid, pollInterval, numPolls) {
		return nil
	}
	return KillMayRace(pid, syscall.SIGKILL)
}

// waitForExit polls until pid has exited, reporting whether it did within
// the poll budget.
func waitForExit(pid int, pollInterval time.Duration, numPolls int) bool {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), uint64(numPolls))
	err := backoff.Retry(func() error {
		if PidAlive(pid) {
			return errStillRunning
		}
		return nil
	}, b)
	return err == nil
}

// PidAlive reports whether pid refers to a live process. A zombie counts as
// dead: it has exited and is only waiting to be reaped.
func PidAlive(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	statuses, err := proc.Status()
	if err == nil {
		for _, st := range statuses {
			if st == process.Zombie {
				return false
			}
		}
	}
	return true
}

// PidFromFile reads the pid stored in path. It returns 0 if the file does
// not exist or does not contain a pid.
func PidFromFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

// KillByPidFile kills the process identified by the pid stored in path,
// removing the file afterwards.
func KillByPidFile(path string) error {
	defer func() {
		_ = RemoveIfExists(path)
	}()

	pid := PidFromFile(path)
	if pid == 0 {
		return nil
	}
	return TwoStageKill(pid, 0, 0)
}

// RemoveIfExists removes path, tolerating a file that is already gone.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
