package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mvp-joe/daemonkit/daemon"
	"github.com/mvp-joe/daemonkit/internal/ipc"
	"github.com/mvp-joe/daemonkit/internal/procutil"
	"github.com/mvp-joe/daemonkit/ping"
	"github.com/mvp-joe/daemonkit/wire"
)

// handshakePingTimeout is how long the client waits, on its first
// connect of a client lifetime, for the peer to answer its handshake
// ping before treating the endpoint as missing.
const handshakePingTimeout = 100 * time.Millisecond

// Config specifies how a Client locates and, if necessary, spawns its
// daemon.
type Config struct {
	// Name is the service identifier, shared with the daemon's Config.Name.
	Name string

	// Dir is the working directory the per-service directory is
	// resolved relative to. Defaults to os.Getwd() if empty.
	Dir string

	// ScriptPath is the daemon's executable script, spawned when no
	// daemon is reachable.
	ScriptPath string

	// ExecArgv is forwarded to the interpreter ahead of ScriptPath,
	// e.g. []string{"node"} or []string{"go", "run"}.
	ExecArgv []string

	// Debug, if true, sets a debug-log selector in the spawned
	// daemon's environment.
	Debug bool
}

func (c Config) normalize() (Config, error) {
	if c.Name == "" {
		return Config{}, fmt.Errorf("client: name is required")
	}
	if c.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		c.Dir = wd
	}
	return c, nil
}

// Client is DaemonClient: it locates, connects to, and if absent spawns,
// the daemon named by its Config, tracking outstanding requests across
// reconnects.
type Client struct {
	cfg   Config
	paths daemon.Paths

	clientPID     int
	clientCounter int64
	reqCounter    int64
	msgCounter    int64

	mu                sync.Mutex
	conn              net.Conn
	generation        uuid.UUID // identifies the current connection attempt
	connected         bool
	connecting        bool
	pingedOnce        bool
	handshakeTimedOut bool
	outstanding       map[string]*pendingRequest
	handshakeTimer    *time.Timer
	handshakePing     *ping.Ping

	mtimeOnce sync.Mutex // serializes mtime checks; each caller runs its own
}

// clientSeq assigns each Client its clientCounter: distinct Client
// instances in the same process otherwise share an identical clientPid,
// which alone would make their request ids collide.
var clientSeq int64

// New constructs a Client for cfg.
func New(cfg Config) (*Client, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:           cfg,
		paths:         daemon.DerivePaths(cfg.Dir, cfg.Name),
		clientPID:     os.Getpid(),
		clientCounter: atomic.AddInt64(&clientSeq, 1),
		outstanding:   make(map[string]*pendingRequest),
	}, nil
}

// nextID mints a request id: "<clientPid>-<clientCounter>-<requestCounter>".
func (c *Client) nextID() string {
	n := atomic.AddInt64(&c.reqCounter, 1)
	return fmt.Sprintf("%d-%d-%d", c.clientPID, c.clientCounter, n)
}

func (c *Client) nextMsgID() string {
	n := atomic.AddInt64(&c.msgCounter, 1)
	return fmt.Sprintf("%d-ping-%d", c.clientPID, n)
}

// checkMtime is the script-mtime-restart check (spec §4.4.4): if the
// daemon's recorded mtime disagrees with the on-disk script mtime, it
// unlinks the recorded mtime and kills the running daemon. It reports
// whether this call triggered a restart. Concurrent calls are serialized,
// not shared: each runs the check itself, so a call that runs after
// another has already removed the mtime file reports false.
func (c *Client) checkMtime() bool {
	if c.cfg.ScriptPath == "" {
		return false
	}
	c.mtimeOnce.Lock()
	defer c.mtimeOnce.Unlock()

	recorded, err := os.ReadFile(c.paths.MtimePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(c.cfg.ScriptPath)
	if err != nil {
		return false
	}

	recordedMs, err := strconv.ParseInt(trimNewline(recorded), 10, 64)
	if err != nil {
		return false
	}
	if recordedMs == info.ModTime().UnixMilli() {
		return false
	}

	_ = os.Remove(c.paths.MtimePath)
	c.kill()
	return true
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// kill reads the pid file (a missing file is a no-op), disconnects, and
// sends the platform's graceful signal sequence to the recorded pid,
// sleeping briefly between sends (spec §4.4.5).
func (c *Client) kill() {
	data, err := os.ReadFile(c.paths.PIDPath)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(trimNewline(data))
	if err != nil {
		return
	}

	c.disconnect()

	for i, sig := range procutil.GracefulSequence() {
		if i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(sig)
		}
	}
}

// disconnect clears the connected flag and tears down the socket.
func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.handshakeTimedOut = false
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.handshakePing = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Clear rejects every outstanding request with ErrCancelled.
func (c *Client) Clear() {
	c.mu.Lock()
	pending := make([]*pendingRequest, 0, len(c.outstanding))
	for id, p := range c.outstanding {
		pending = append(pending, p)
		delete(c.outstanding, id)
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.reject(ErrCancelled)
	}
}

// Close disconnects and rejects every outstanding request. Call when the
// client is no longer needed.
func (c *Client) Close() {
	c.Clear()
	c.disconnect()
}

// connect runs the CONNECTING -> (HANDSHAKE_PING | DEAD) -> READY
// state machine for one attempt, spawning the daemon if the endpoint is
// missing (spec §4.4.3).
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if err := os.MkdirAll(c.paths.Dir, 0o755); err != nil {
		return err
	}
	go c.checkMtime()

	conn, err := ipc.DialContext(ctx, c.paths.SocketPath)
	if err != nil {
		if isMissingEndpoint(err) {
			if serr := c.spawn(ctx); serr != nil {
				return serr
			}
			// Let the retry past the connecting guard at the top.
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			return c.connect(ctx)
		}
		c.disconnect()
		return err
	}

	gen := uuid.New()
	c.mu.Lock()
	c.conn = conn
	c.generation = gen
	c.connected = true
	needsPing := !c.pingedOnce
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if needsPing {
		if err := c.handshake(conn, gen); err != nil {
			c.disconnect()
			return err
		}
	}

	c.replayOutstanding(conn)
	return nil
}

// handshake sends a ping and arms a 100ms timeout that, on expiry, emits
// a synthetic "endpoint-missing" error on the connection (spec §4.4.3
// step 3): a peer that accepts but never answers is as unusable as no
// peer at all, and must be replaced exactly as a dial-time ENOENT would
// be, not merely disconnected and left for some future caller to
// rediscover. gen identifies the connection attempt this handshake
// belongs to; the timer compares it against the client's current
// generation rather than a retained connection pointer, so a retry that
// installs a new connection can never be torn down by a stale callback
// (spec §9). The timer and the expected ping are stored before the ping
// is written, so a pong that arrives at once still cancels the timer.
func (c *Client) handshake(conn net.Conn, gen uuid.UUID) error {
	id := c.nextMsgID()
	p := ping.New(id)

	timer := time.AfterFunc(handshakePingTimeout, func() {
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.handshakeTimedOut = true
		current := c.conn
		c.mu.Unlock()
		// Force readLoop's pending Decode to fail so it observes the
		// synthetic error and funnels into the endpoint-missing
		// recovery path instead of treating this as an ordinary close.
		if current != nil {
			_ = current.Close()
		}
	})

	c.mu.Lock()
	c.handshakeTimer = timer
	c.handshakePing = &p
	c.mu.Unlock()

	if err := wire.WriteTo(conn, p); err != nil {
		return err
	}
	c.mu.Lock()
	c.pingedOnce = true
	c.mu.Unlock()
	return nil
}

// cancelHandshakeTimer stops the outstanding handshake timeout if msg is
// the pong matching the ping that armed it.
func (c *Client) cancelHandshakeTimer(msg map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshakeTimer == nil || c.handshakePing == nil {
		return
	}
	if ping.IsPong(msg, c.handshakePing) {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
		c.handshakePing = nil
	}
}

func (c *Client) replayOutstanding(conn net.Conn) {
	c.mu.Lock()
	reqs := make([]map[string]any, 0, len(c.outstanding))
	for _, p := range c.outstanding {
		reqs = append(reqs, p.payload)
	}
	c.mu.Unlock()

	for _, payload := range reqs {
		_ = wire.WriteTo(conn, payload)
	}
}

// readLoop decodes messages from conn until it errors or closes,
// resolving outstanding requests by id. It checks conn is still the
// client's current connection before mutating shared state, since a
// concurrent retry may have installed a new one (spec §9). A decode
// error following a handshake-ping timeout is the synthetic
// "endpoint-missing" event described in spec §4.4.3 step 6 and is
// routed to spawn a replacement daemon rather than left as a plain
// disconnect.
func (c *Client) readLoop(conn net.Conn, gen uuid.UUID) {
	dec := wire.NewDecoder(conn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			c.mu.Lock()
			stillCurrent := c.generation == gen
			missing := c.handshakeTimedOut
			c.mu.Unlock()
			if !stillCurrent {
				return
			}
			if missing {
				c.recoverFromMissingEndpoint()
			} else {
				c.disconnect()
			}
			return
		}

		c.cancelHandshakeTimer(msg)

		id, err := wire.ID(msg)
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		p, ok := c.outstanding[id]
		if ok {
			delete(c.outstanding, id)
		}
		c.mu.Unlock()

		if ok {
			p.resolve(msg)
		}
	}
}

// recoverFromMissingEndpoint disconnects and treats the peer as absent:
// spawn a replacement daemon and reconnect, replaying outstanding
// requests exactly as a dial-time ENOENT would (spec §4.4.3 step 6). A
// peer that accepted the connection but never answered the handshake
// ping is, from the client's perspective, indistinguishable from one
// that was never running; the replacement daemon's own singleton
// election is responsible for killing the wedged original.
func (c *Client) recoverFromMissingEndpoint() {
	c.disconnect()
	if c.cfg.ScriptPath == "" {
		return
	}
	if err := c.spawn(context.Background()); err != nil {
		return
	}
	_ = c.connect(context.Background())
}

func isMissingEndpoint(err error) bool {
	if err == nil {
		return false
	}
	return IsConnectionError(err)
}

// spawn launches the daemon script and waits for its first stdout byte
// before returning.
func (c *Client) spawn(ctx context.Context) error {
	if c.cfg.ScriptPath == "" {
		return fmt.Errorf("client: no daemon script configured for %q", c.cfg.Name)
	}

	args := append(append([]string{}, c.cfg.ExecArgv...), c.cfg.ScriptPath)
	cmd := exec.CommandContext(context.Background(), args[0], args[1:]...)
	cmd.Env = append(os.Environ(), daemon.ScriptEnvVar(c.cfg.Name)+"="+c.cfg.ScriptPath)
	if c.cfg.Debug {
		cmd.Env = append(cmd.Env, "SOCK_DAEMON_DEBUG=1")
	}
	cmd.SysProcAttr = procutil.SysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(c.paths.Dir, "log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		cmd.Stderr = logFile
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("client: spawn %s: %w", c.cfg.ScriptPath, err)
	}

	buf := make([]byte, 1)
	_, _ = stdout.Read(buf)

	go func() {
		_, _ = cmd.Process.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
	}()

	return nil
}
