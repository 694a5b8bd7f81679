// Package procutil collects the handful of process-control primitives that
// differ by platform: detaching a spawned child into its own process
// group/session, and sending a best-effort termination signal to a pid that
// may or may not still exist. Platform-specific pieces live in
// procutil_unix.go and procutil_windows.go, mirroring the teacher's
// ensure_unix.go/ensure_windows.go split.
package procutil

import (
	"os"
)

// Alive reports whether pid names a live process. Signal(0) doesn't
// actually deliver a signal; it only probes for existence/permission.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(signalZero) == nil
}

// Terminate sends the platform's default termination signal to pid,
// best-effort: every error is absorbed, matching the spec's policy that a
// failed signal send is never a surfaced error (§4.2, §4.3.1, §4.4.5).
func Terminate(pid int) {
	if pid <= 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(defaultTerminationSignal)
}

// GracefulSequence returns the ordered signals a client's kill() sends to
// coax a daemon into shutting down: SIGHUP then SIGTERM on POSIX, SIGTERM
// only on Windows (spec §4.4.5). The caller sleeps briefly between sends;
// timing is a client-level concern, not this package's.
func GracefulSequence() []os.Signal {
	return gracefulSequence
}
