package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvp-joe/daemonkit/internal/ipc"
	"github.com/mvp-joe/daemonkit/internal/procutil"
	"github.com/mvp-joe/daemonkit/lock"
	"github.com/mvp-joe/daemonkit/ping"
	"github.com/mvp-joe/daemonkit/wire"
)

// HandleFunc processes one recognised request and returns the response
// payload. The framework overwrites the response's "id" field with the
// request's id regardless of what handle sets there (spec §4.3.2).
type HandleFunc func(ctx context.Context, request map[string]any) map[string]any

// RequestPredicate classifies a decoded message as a request the handler
// should see. Messages that are neither a valid Ping nor a recognised
// request are ignored silently.
type RequestPredicate func(msg map[string]any) bool

// ErrDeferred is returned by Listen when this process lost the singleton
// election to an already-running peer. The caller has already had
// "ALREADY RUNNING" written to its ready writer; it should exit 0.
var ErrDeferred = errors.New("daemon: deferred to an already-running peer")

// state names the singleton-election state machine's current position.
type state int

const (
	stateInit state = iota
	stateLockPending
	stateListenPending
	stateAwaitPeer
	stateRunning
	stateTerminal
)

// Server runs the singleton-election state machine and dispatches
// accepted connections to a HandleFunc.
type Server struct {
	cfg    Config
	paths  Paths
	handle HandleFunc
	isReq  RequestPredicate

	// Ready is where the single "READY"/"ALREADY RUNNING" byte sequence
	// is written. Defaults to os.Stdout.
	Ready io.Writer

	mu       sync.Mutex
	st       state
	listener net.Listener
	idle     *time.Timer
	lk       *lock.StartingLock
	pid      int
	serverID string

	connWG   sync.WaitGroup
	closed   chan struct{}
	closeErr error
	hist     *events
}

// New constructs a Server for cfg. handle processes requests the
// predicate isReq recognises; if isReq is nil, every non-ping message is
// treated as a request.
func New(cfg Config, handle HandleFunc, isReq RequestPredicate) (*Server, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, errors.New("daemon: handle is required")
	}
	if isReq == nil {
		isReq = func(map[string]any) bool { return true }
	}

	return &Server{
		cfg:      cfg,
		paths:    DerivePaths(cfg.Dir, cfg.Name),
		handle:   handle,
		isReq:    isReq,
		Ready:    os.Stdout,
		pid:      os.Getpid(),
		serverID: uuid.NewString(),
		closed:   make(chan struct{}),
		hist:     newEvents(),
	}, nil
}

// Listen runs the singleton-election state machine to completion. On
// success it has bound the IPC endpoint, committed the starting lock, and
// started serving connections in the background; it returns nil. If this
// process deferred to a live peer, it returns ErrDeferred. Any other
// error is fatal (a non-EndpointInUse bind error, or a lock-verification
// fault).
func (s *Server) Listen(ctx context.Context) error {
	if err := os.MkdirAll(s.paths.Dir, 0o755); err != nil {
		return fmt.Errorf("daemon: create %s: %w", s.paths.Dir, err)
	}

	for {
		// A prior pass through this loop may already hold the starting
		// lock (we only left it to usurp a stale socket, not because we
		// lost the lock itself). Re-acquiring unconditionally would
		// have us contend with our own still-held lock file.
		if s.lk == nil || !s.lk.Acquired() {
			s.setState(stateLockPending)
			s.lk = lock.New(s.paths.Dir)
			if err := s.lk.Acquire(); err != nil {
				// Someone else holds the lock; behave exactly as if our
				// own bind lost the race, and go check on the peer.
				deferred, err := s.awaitPeer(ctx, 1000*time.Millisecond)
				if err != nil {
					return err
				}
				if deferred {
					return s.deferToPeer()
				}
				continue
			}
		}

		s.setState(stateListenPending)
		s.armIdle(herdTimeout)

		ln, err := ipc.Listen(s.paths.SocketPath)
		if err != nil {
			if IsBindConflict(err) {
				deferred, aerr := s.awaitPeer(ctx, 500*time.Millisecond)
				if aerr != nil {
					return aerr
				}
				if deferred {
					return s.deferToPeer()
				}
				continue
			}
			return fmt.Errorf("daemon: listen %s: %w", s.paths.SocketPath, err)
		}

		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()

		if err := s.commitRunning(); err != nil {
			_ = ln.Close()
			return err
		}

		s.setState(stateRunning)
		s.connWG.Add(1)
		go s.acceptLoop()

		return writeReady(s.Ready)
	}
}

// commitRunning records the script mtime (if known), commits the
// starting lock, and is the RUNNING transition's filesystem side effect.
func (s *Server) commitRunning() error {
	if script := ScriptPath(s.cfg.Name); script != "" {
		if info, err := os.Stat(script); err == nil {
			contents := strconv.FormatInt(info.ModTime().UnixMilli(), 10) + "\n"
			if err := os.WriteFile(s.paths.MtimePath, []byte(contents), 0o644); err != nil {
				return fmt.Errorf("daemon: write mtime: %w", err)
			}
		}
	}
	return s.lk.Commit()
}

// deferToPeer writes the peer marker and releases our lock; the caller
// (typically main) is expected to exit 0 on ErrDeferred.
func (s *Server) deferToPeer() error {
	_ = s.lk.Release()
	if err := writeAlreadyRunning(s.Ready); err != nil {
		return err
	}
	return ErrDeferred
}

// awaitPeer repeatedly connects to the IPC endpoint and performs the
// handshake ping until either a peer answers (returns true: the caller
// defers), or the budget elapses / the peer looks dead, in which case it
// usurps the peer itself and returns false so the caller retries
// LISTEN_PENDING.
func (s *Server) awaitPeer(ctx context.Context, budget time.Duration) (bool, error) {
	s.setState(stateAwaitPeer)
	deadline := time.Now().Add(budget)

	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		attemptTimeout := remaining
		if attemptTimeout < 50*time.Millisecond {
			attemptTimeout = 50 * time.Millisecond
		}

		ok, alive := s.pingPeer(ctx, attemptTimeout)
		if ok {
			return true, nil
		}
		if !alive {
			break
		}
	}

	if err := s.usurp(); err != nil {
		if errors.Is(err, lock.ErrContention) {
			// Still held by another; re-enter AWAIT_PEER once more.
			return s.awaitPeer(ctx, 1000*time.Millisecond)
		}
		return false, err
	}
	return false, nil
}

// pingPeer performs one handshake attempt. ok is true if the peer
// answered a matching pong (defer). alive is false if the loop should
// stop retrying immediately because the peer produced invalid bytes
// (protocol mismatch, per spec §4.3.3), rather than simply being
// unreachable.
func (s *Server) pingPeer(ctx context.Context, timeout time.Duration) (ok, alive bool) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := ipc.DialContext(dialCtx, s.paths.SocketPath)
	if err != nil {
		return false, true
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	id := fmt.Sprintf("%s-daemon-%d", s.cfg.Name, s.pid)
	p := ping.New(id)
	if err := wire.WriteTo(conn, p); err != nil {
		return false, true
	}

	dec := wire.NewDecoder(conn)
	msg, err := dec.Decode()
	if err != nil {
		return false, true
	}
	if ping.IsPong(msg, &p) {
		return true, true
	}
	// Bytes arrived but did not frame into the expected pong: protocol
	// mismatch, treat the peer as dead.
	return false, false
}

// usurp takes over an unresponsive peer: if we don't already hold the
// starting lock, acquire it; then signal the recorded PID and unlink the
// socket and pid files. Reusing an already-held lock (rather than
// acquiring a fresh one unconditionally) matters because usurp is most
// often called while this Server is still holding its own uncommitted
// lock from this same Listen() attempt — a bare stale socket, not lock
// contention, is what's being cleared.
func (s *Server) usurp() error {
	if s.lk == nil || !s.lk.Acquired() {
		s.lk = lock.New(s.paths.Dir)
		if err := s.lk.Acquire(); err != nil {
			return err
		}
	}

	if data, err := os.ReadFile(s.paths.PIDPath); err == nil {
		if pid, perr := parsePID(data); perr == nil {
			procutil.Terminate(pid)
		}
	}

	_ = os.Remove(s.paths.SocketPath)
	_ = os.Remove(s.paths.PIDPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.connWG.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connWG.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn handles one accepted connection until it errors or times out.
// Closing the server stops new accepts; it does not close connections
// already being served.
func (s *Server) serveConn(conn net.Conn) {
	defer s.connWG.Done()
	defer conn.Close()

	dec := wire.NewDecoder(conn)
	for {
		if s.cfg.ConnectionTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		}

		msg, err := dec.Decode()
		if err != nil {
			return
		}

		if ping.IsPing(msg) {
			var p ping.Ping
			if derr := wire.Decode(msg, &p); derr != nil {
				continue
			}
			pong := p.Pong(s.pid)
			if werr := wire.WriteTo(conn, pong); werr != nil {
				return
			}
			continue
		}

		if !s.isReq(msg) {
			continue
		}

		s.idleTick(s.cfg.IdleTimeout)

		id, _ := wire.ID(msg)
		resp := s.handle(context.Background(), msg)
		if resp == nil {
			resp = map[string]any{}
		}
		resp = wire.WithID(resp, id)
		if err := wire.WriteTo(conn, resp); err != nil {
			return
		}
	}
}

// idleTick (re)arms the server-wide idle timer to fire after d. A fired
// timer closes the server. Pings never call this; only recognised
// requests do (spec §4.3.4).
func (s *Server) idleTick(d time.Duration) {
	s.armIdle(d)
}

func (s *Server) armIdle(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = time.AfterFunc(d, func() {
		log.Printf("daemon %s: idle timeout exceeded, shutting down", s.cfg.Name)
		_ = s.Close()
	})
}

func (s *Server) setState(st state) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	if s.hist != nil {
		s.hist.record(stateName(st), "")
	}
}

// State reports the server's current position in the election state
// machine, for introspection (status.go).
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stateName(s.st)
}

func stateName(st state) string {
	switch st {
	case stateInit:
		return "INIT"
	case stateLockPending:
		return "LOCK_PENDING"
	case stateListenPending:
		return "LISTEN_PENDING"
	case stateAwaitPeer:
		return "AWAIT_PEER"
	case stateRunning:
		return "RUNNING"
	case stateTerminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// Close shuts the server down: closes the listener, unlinks pid, and
// releases any held lock. Safe to call more than once and from a signal
// handler or the idle timer.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.st == stateTerminal {
		s.mu.Unlock()
		return s.closeErr
	}
	s.st = stateTerminal
	ln := s.listener
	if s.idle != nil {
		s.idle.Stop()
	}
	s.mu.Unlock()

	if ln != nil {
		s.closeErr = ln.Close()
	}
	_ = os.Remove(s.paths.PIDPath)
	if s.lk != nil {
		_ = s.lk.Release()
	}
	close(s.closed)
	return s.closeErr
}

// Wait blocks until the server closes, returning the same error Close
// would.
func (s *Server) Wait() error {
	<-s.closed
	s.connWG.Wait()
	return s.closeErr
}

func parsePID(data []byte) (int, error) {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return strconv.Atoi(s)
}
