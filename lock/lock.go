// Package lock implements the single-writer advisory lock a daemon takes
// while it is working through the bind+commit critical section of the
// singleton election state machine. It is deliberately narrower than a
// general-purpose file lock: it exists to guard one short window at
// startup, it self-heals around a stale holder, and it hands ownership of
// the directory off by renaming itself into the published pid file.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mvp-joe/daemonkit/internal/procutil"
)

// staleAfter is how long a starting.lock may sit unclaimed before a new
// acquirer is entitled to assume its owner died without cleaning up.
const staleAfter = 2000 * time.Millisecond

// StartingLock guards the directory dir given to New (the daemon directory;
// the lock file itself is dir/starting.lock) against more than one
// process reaching RUNNING concurrently.
type StartingLock struct {
	dir      string
	lockPath string
	pidPath  string
	acquired bool
}

// New returns a StartingLock for the daemon directory dir. dir must
// already exist; callers create it (server.go does this as the first step
// of listen()) before acquiring.
func New(dir string) *StartingLock {
	return &StartingLock{
		dir:      dir,
		lockPath: dir + string(os.PathSeparator) + "starting.lock",
		pidPath:  dir + string(os.PathSeparator) + "pid",
	}
}

// Acquire takes the starting lock, forcing a takeover of a stale holder if
// necessary. It is idempotent: calling Acquire again on an instance that
// already holds the lock is a no-op.
//
// Acquire returns ErrContention if the lock is held and not yet stale, and
// ErrLost if, after this process wins the exclusive-create race, a
// verification re-read shows different contents than what it just wrote
// (meaning another acquirer raced in ahead of the verification read). Any
// other I/O error is returned wrapped; every best-effort sub-step (signal
// delivery, unlinking a stale lock file) absorbs its own error.
func (l *StartingLock) Acquire() error {
	if l.acquired {
		return nil
	}

	if err := l.createExclusive(); err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("lock: create %s: %w", l.lockPath, err)
		}
		if err := l.takeoverStale(); err != nil {
			return err
		}
		if err := l.createExclusive(); err != nil {
			return fmt.Errorf("lock: create %s after stale takeover: %w", l.lockPath, err)
		}
	}

	if err := l.writeOwnPID(); err != nil {
		return err
	}
	if err := l.verifyOwnership(); err != nil {
		return err
	}

	l.acquired = true
	registerHeld(l)
	return nil
}

// createExclusive opens the lock file in O_CREATE|O_EXCL mode, closing it
// immediately; its sole purpose is to win (or lose) the exclusive-create
// race. The caller writes the PID contents in a separate step, matching
// the spec's "create, then write, then verify" sequencing.
func (l *StartingLock) createExclusive() error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// takeoverStale inspects an existing starting.lock. If it is younger than
// staleAfter, it reports contention. Otherwise it reads the stale owner's
// PID, sends it a best-effort termination signal, and unlinks the file so
// a subsequent createExclusive can succeed.
func (l *StartingLock) takeoverStale() error {
	info, err := os.Stat(l.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with whoever held it; the caller's retry will
			// either succeed outright or hit a fresh contention.
			return nil
		}
		return fmt.Errorf("lock: stat %s: %w", l.lockPath, err)
	}

	if time.Since(info.ModTime()) < staleAfter {
		return ErrContention
	}

	if pid, err := readPID(l.lockPath); err == nil {
		procutil.Terminate(pid)
	}

	_ = os.Remove(l.lockPath)
	return nil
}

func (l *StartingLock) writeOwnPID() error {
	contents := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(l.lockPath, []byte(contents), 0o644)
}

// verifyOwnership re-reads the lock file and confirms it still names this
// process. A mismatch means another acquirer completed its own
// createExclusive+write between this process's write and this read, which
// can only happen if this process's create above actually failed to
// exclude that acquirer (e.g. a non-atomic filesystem) — a fatal
// lost-the-lock condition the spec requires to surface.
func (l *StartingLock) verifyOwnership() error {
	pid, err := readPID(l.lockPath)
	if err != nil {
		return fmt.Errorf("lock: verify %s: %w", l.lockPath, err)
	}
	if pid != os.Getpid() {
		return ErrLost
	}
	return nil
}

// Acquired reports whether this instance currently holds the lock
// (acquired and not yet released or committed).
func (l *StartingLock) Acquired() bool {
	return l.acquired
}

// Release removes the lock file and marks the instance not-acquired.
// Safe to call on an instance that never acquired, or more than once.
func (l *StartingLock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	unregisterHeld(l)
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %s: %w", l.lockPath, err)
	}
	return nil
}

// Commit atomically renames starting.lock to pid, publishing this
// process's PID as the directory's live daemon, and marks the instance
// not-acquired (ownership has moved from the starting lock to the pid
// file; the caller is responsible for unlinking pid on its own eventual
// shutdown).
func (l *StartingLock) Commit() error {
	if !l.acquired {
		return fmt.Errorf("lock: commit called without holding the lock")
	}
	if err := os.Rename(l.lockPath, l.pidPath); err != nil {
		return fmt.Errorf("lock: commit %s -> %s: %w", l.lockPath, l.pidPath, err)
	}
	l.acquired = false
	unregisterHeld(l)
	return nil
}

// readPID reads a decimal PID from path, tolerating an optional trailing
// newline, matching the filesystem contract shared by starting.lock and
// pid (spec §3, §6).
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock: malformed pid contents in %s: %w", path, err)
	}
	return pid, nil
}
