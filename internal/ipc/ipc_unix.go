//go:build unix

// Package ipc hides the POSIX-socket/Windows-named-pipe split behind one
// Listen/DialContext pair, so daemon and client share a single transport
// implementation regardless of platform.
package ipc

import (
	"context"
	"net"
	"path/filepath"
)

// SocketPath returns the IPC endpoint identifier for the daemon directory
// base. On POSIX this is simply the socket file's absolute path.
func SocketPath(base string) string {
	return filepath.Join(base, "socket")
}

// Listen binds the IPC endpoint named by path.
func Listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

// DialContext connects to the IPC endpoint named by path.
func DialContext(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
