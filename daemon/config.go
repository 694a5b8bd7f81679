// Package daemon implements the server half of the singleton local daemon
// framework: directory layout, the singleton-election state machine, and
// per-connection request dispatch. See package client for the
// corresponding spawner/caller.
package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mvp-joe/daemonkit/internal/ipc"
)

// DefaultIdleTimeout is how long a daemon waits for any recognised
// request before closing on its own.
const DefaultIdleTimeout = time.Hour

// DefaultConnectionTimeout is how long a connection may sit idle before
// the server destroys it silently.
const DefaultConnectionTimeout = time.Second

// herdTimeout guards a freshly-bound daemon against a lost race where no
// client ever shows up to consume it.
const herdTimeout = 10 * time.Second

// Config specifies the parameters a Server is built from.
//
// Name identifies the daemon and determines its directory:
// ".{Name}/daemon" relative to Dir (the launching working directory).
type Config struct {
	// Name is the service identifier, e.g. "echo". Required.
	Name string

	// Dir is the working directory the per-service directory is
	// resolved relative to. Defaults to os.Getwd() if empty.
	Dir string

	// IdleTimeout is how long the server waits for a request before
	// shutting itself down. Zero selects DefaultIdleTimeout.
	IdleTimeout time.Duration

	// ConnectionTimeout bounds how long an accepted connection may sit
	// without producing a decodable message. Zero selects
	// DefaultConnectionTimeout; a negative value disables the timeout.
	ConnectionTimeout time.Duration
}

// normalize fills in defaults and validates Name, returning a copy safe
// to use without further nil/zero checks.
func (c Config) normalize() (Config, error) {
	if c.Name == "" {
		return Config{}, errors.New("daemon: name is required")
	}
	if c.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		c.Dir = wd
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	return c, nil
}

// Paths are the filesystem locations derived from a Config, per the
// per-service directory contract.
type Paths struct {
	Dir        string // ".{name}/daemon"
	SocketPath string
	PIDPath    string
	MtimePath  string
	LockPath   string
	LogPath    string
}

// DerivePaths computes the per-service directory layout for name rooted
// at dir.
func DerivePaths(dir, name string) Paths {
	base := filepath.Join(dir, "."+name, "daemon")
	return Paths{
		Dir:        base,
		SocketPath: ipc.SocketPath(base),
		PIDPath:    filepath.Join(base, "pid"),
		MtimePath:  filepath.Join(base, "mtime"),
		LockPath:   filepath.Join(base, "starting.lock"),
		LogPath:    filepath.Join(base, "log"),
	}
}

// ScriptEnvVar returns the name of the environment variable a daemon
// consults to learn its own script path, SOCK_DAEMON_SCRIPT_<name>. A
// spawning client sets this variable; the spawned server reads it via
// ScriptPath.
func ScriptEnvVar(name string) string {
	return "SOCK_DAEMON_SCRIPT_" + name
}

// ScriptPath returns the daemon script path recorded in the environment
// for name, or "" if none was set.
func ScriptPath(name string) string {
	return os.Getenv(ScriptEnvVar(name))
}
