//go:build windows

package ipc

import (
	"context"
	"net"
	"path/filepath"

	winio "github.com/Microsoft/go-winio"
)

// SocketPath returns the IPC endpoint identifier for the daemon directory
// base: the absolute POSIX-style socket path prefixed with the named-pipe
// namespace, so client and server agree on the same identifier (spec §9).
func SocketPath(base string) string {
	abs := filepath.Join(base, "socket")
	return `\\?\pipe\` + filepath.ToSlash(abs)
}

// Listen binds the named pipe identified by path.
func Listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

// DialContext connects to the named pipe identified by path.
func DialContext(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
