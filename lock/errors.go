package lock

import "errors"

// ErrContention is returned by Acquire when starting.lock is held by
// another process and has not yet aged past the staleness threshold.
var ErrContention = errors.New("lock: starting lock is held and not stale")

// ErrLost is returned by Acquire when, after successfully creating
// starting.lock, a re-read of its contents does not match the PID this
// process just wrote — another acquirer won the race.
var ErrLost = errors.New("lock: lost the race for the starting lock")
