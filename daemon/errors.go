package daemon

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsBindConflict reports whether err from a Listen attempt indicates the
// endpoint is already owned by a live peer (EADDRINUSE on a socket,
// EEXIST style errors on a stale file based endpoint), as opposed to a
// fatal bind error that must propagate out of listen(). Exported so a
// framework consumer can classify its own Listen errors the same way.
func IsBindConflict(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			if sysErr.Err == syscall.EADDRINUSE || sysErr.Err == syscall.EEXIST {
				return true
			}
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "file exists")
}
