//go:build windows

package procutil

import (
	"os"
	"syscall"
)

var signalZero = syscall.Signal(0)

var defaultTerminationSignal os.Signal = os.Kill

// gracefulSequence is SIGTERM-equivalent only: Windows has no SIGHUP.
var gracefulSequence = []os.Signal{os.Kill}

// SysProcAttr returns the process attributes used to detach a spawned
// daemon into its own process group.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
