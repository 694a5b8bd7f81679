//go:build unix

package procutil

import (
	"os"
	"syscall"
)

var signalZero = syscall.Signal(0)

var defaultTerminationSignal os.Signal = syscall.SIGTERM

var gracefulSequence = []os.Signal{syscall.SIGHUP, syscall.SIGTERM}

// SysProcAttr returns the process attributes used to detach a spawned
// daemon into its own session, so it outlives the client that spawned it.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
