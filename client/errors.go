// Package client implements DaemonClient: locating, spawning, and talking
// to the daemon described by package daemon.
package client

import (
	"errors"
	"strings"
)

// ErrCancelled is the rejection reason for a request removed from the
// outstanding map by Clear (or Close). A request whose context is
// cancelled returns the context's error instead.
var ErrCancelled = errors.New("client: request cancelled")

// ErrEndpointMissing means the IPC endpoint does not exist (ENOENT or
// equivalent): the daemon is not running and should be spawned.
var ErrEndpointMissing = errors.New("client: daemon endpoint missing")

// IsConnectionError reports whether err indicates the daemon is
// unreachable: connection refused, a missing socket file, or a broken
// pipe mid-write. Callers use this to decide whether to retry through
// the client rather than surface the failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEndpointMissing) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}
