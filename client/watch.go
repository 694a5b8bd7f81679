package client

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mvp-joe/daemonkit/internal/ipc"
)

// pollInterval is the fallback cadence for WaitReachable when fsnotify is
// unavailable or its event is missed (e.g. the socket already existed
// before the watch was armed).
const pollInterval = 100 * time.Millisecond

// WaitReachable blocks until the client's IPC endpoint is dialable or ctx
// is done. It is not required for correctness (spawn() already waits for
// the daemon's first stdout byte); it exists for callers — a CLI's
// "status" command, tests — that want to wait on an already-running
// daemon without going through connect/spawn. A directory watch
// (fsnotify) supplies the fast path; a ticker is the reliability
// fallback, mirroring the teacher's waitForHealthy polling loop.
func (c *Client) WaitReachable(ctx context.Context) error {
	if dialable(c.paths.SocketPath) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(c.paths.Dir); werr == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if dialable(c.paths.SocketPath) {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && dialable(c.paths.SocketPath) {
				return nil
			}
		}
	}
}

func dialable(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	conn, err := ipc.DialContext(ctx, path)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
