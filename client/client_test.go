package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mvp-joe/daemonkit/daemon"
	"github.com/mvp-joe/daemonkit/internal/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Plan for client:
// - Request against an already-running daemon resolves with the echoed id
// - Ping measures a non-negative duration and carries the daemon's pid
// - Request cancellation via context rejects only that caller's wait
// - Clear rejects every outstanding request
// - a handshake-ping timeout against a wedged peer spawns a replacement
//   daemon, which usurps and kills the wedged original
// - a script-mtime mismatch kills the running daemon and the next
//   request spawns its replacement
// - two processes racing for the same directory elect exactly one winner

// Environment variables used to drive the self-exec helper processes
// below: real subprocesses standing in for a daemon this test doesn't
// control in-process, matching the "-test.run=Helper" self-reexec idiom.
const (
	wedgedHelperEnv      = "DAEMONKIT_TEST_WEDGED_HELPER"
	replacementHelperEnv = "DAEMONKIT_TEST_REPLACEMENT_HELPER"
	helperDirEnv         = "DAEMONKIT_TEST_DIR"
	helperNameEnv        = "DAEMONKIT_TEST_NAME"
)

func startTestDaemon(t *testing.T, dir, name string) *daemon.Server {
	t.Helper()
	s, err := daemon.New(daemon.Config{Name: name, Dir: dir}, func(_ context.Context, req map[string]any) map[string]any {
		out := map[string]any{}
		for k, v := range req {
			out[k] = v
		}
		out["echoed"] = true
		return out
	}, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	s.Ready = &out
	require.NoError(t, s.Listen(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequest_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	startTestDaemon(t, dir, "echo")

	c, err := New(Config{Name: "echo", Dir: dir})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, map[string]any{"op": "hello"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["echoed"])
	assert.Equal(t, "hello", resp["op"])
}

func TestPing_MeasuresDurationAndPid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := startTestDaemon(t, dir, "echo")

	c, err := New(Config{Name: "echo", Dir: dir})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Status().PID, res.Pong.Pid)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
}

func TestRequest_ContextCancellationRejectsOnlyThatCall(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	startTestDaemon(t, dir, "echo")

	c, err := New(Config{Name: "echo", Dir: dir})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Request(ctx, map[string]any{"op": "never"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClear_RejectsOutstandingRequests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	c, err := New(Config{Name: "no-daemon-here", Dir: dir})
	require.NoError(t, err)

	id := c.nextID()
	p := newPendingRequest(id, map[string]any{"id": id})
	c.mu.Lock()
	c.outstanding[id] = p
	c.mu.Unlock()

	c.Clear()

	select {
	case res := <-p.done:
		assert.ErrorIs(t, res.err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("expected rejection from Clear")
	}
}

func TestNew_RequiresName(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

// TestNextID_DistinctClientsDoNotCollide guards the id grammar
// "<clientPid>-<clientCounter>-<requestCounter>" (spec §4.4.1): two
// Client instances in the same process share a clientPid and must be
// told apart by clientCounter.
func TestNextID_DistinctClientsDoNotCollide(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c1, err := New(Config{Name: "a", Dir: dir})
	require.NoError(t, err)
	c2, err := New(Config{Name: "b", Dir: dir})
	require.NoError(t, err)

	assert.NotEqual(t, c1.nextID(), c2.nextID())
}

// selfExecHelper returns the []string{execArgv..., scriptPath} pair that
// spawn() needs to re-invoke this test binary as one of the helper
// processes below, plus a real on-disk placeholder file for ScriptPath
// (checkMtime stats it, so it must exist).
func selfExecHelper(t *testing.T, dir, testRun string) (execArgv []string, scriptPath string) {
	t.Helper()
	scriptPath = filepath.Join(dir, "daemon-script")
	require.NoError(t, os.WriteFile(scriptPath, []byte("placeholder\n"), 0o644))
	return []string{os.Args[0], "-test.run=" + testRun, "--"}, scriptPath
}

// TestWedgedHelperProcess is not a real test. Invoked via self-exec by
// tests that need a peer which accepts connections but never answers
// them, simulating a daemon wedged after losing its event loop.
func TestWedgedHelperProcess(t *testing.T) {
	if os.Getenv(wedgedHelperEnv) != "1" {
		t.Skip("helper process")
	}
	paths := daemon.DerivePaths(os.Getenv(helperDirEnv), os.Getenv(helperNameEnv))
	ln, err := ipc.Listen(paths.SocketPath)
	if err != nil {
		os.Exit(1)
	}
	os.Stdout.WriteString("LISTENING\n")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn // accepted and never served: the whole point of "wedged"
	}
}

// TestReplacementDaemonHelperProcess is not a real test. Invoked via
// self-exec as the "daemon script" a Client spawns: it runs a real
// daemon.Server through the normal singleton-election path, so it
// exercises the genuine usurpation/defer logic against whatever already
// holds the directory.
func TestReplacementDaemonHelperProcess(t *testing.T) {
	if os.Getenv(replacementHelperEnv) != "1" {
		t.Skip("helper process")
	}
	name := os.Getenv(helperNameEnv)
	dir := os.Getenv(helperDirEnv)

	s, err := daemon.New(daemon.Config{Name: name, Dir: dir}, func(_ context.Context, req map[string]any) map[string]any {
		out := map[string]any{}
		for k, v := range req {
			out[k] = v
		}
		out["echoed"] = true
		return out
	}, nil)
	if err != nil {
		os.Exit(1)
	}

	if err := s.Listen(context.Background()); err != nil {
		if errors.Is(err, daemon.ErrDeferred) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	_ = s.Wait()
}

// TestHandshakeTimeout_SpawnsReplacementAfterWedgedPeer covers spec §8.4
// and §8.8: a peer that accepts the connection but never answers the
// handshake ping must be treated as missing, not left connected forever.
// The client's replacement daemon usurps and kills the wedged original.
func TestHandshakeTimeout_SpawnsReplacementAfterWedgedPeer(t *testing.T) {
	dir := t.TempDir()
	name := "echo"
	paths := daemon.DerivePaths(dir, name)
	require.NoError(t, os.MkdirAll(paths.Dir, 0o755))

	execArgv, scriptPath := selfExecHelper(t, dir, "TestReplacementDaemonHelperProcess")

	wedged := exec.Command(os.Args[0], "-test.run=TestWedgedHelperProcess", "--")
	wedged.Env = append(os.Environ(),
		wedgedHelperEnv+"=1",
		helperDirEnv+"="+dir,
		helperNameEnv+"="+name,
	)
	wedgedStdout, err := wedged.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, wedged.Start())

	wedgedDone := make(chan struct{})
	go func() {
		_ = wedged.Wait()
		close(wedgedDone)
	}()
	t.Cleanup(func() {
		_ = wedged.Process.Kill()
		<-wedgedDone
	})

	buf := make([]byte, 16)
	_, err = wedgedStdout.Read(buf)
	require.NoError(t, err)

	// Simulate a daemon that reached RUNNING and committed its pid file,
	// then wedged: starting.lock is already gone, pid names the wedged
	// process, and its socket is bound but unresponsive.
	require.NoError(t, os.WriteFile(paths.PIDPath, []byte(strconv.Itoa(wedged.Process.Pid)+"\n"), 0o644))

	t.Setenv(helperDirEnv, dir)
	t.Setenv(helperNameEnv, name)
	t.Setenv(replacementHelperEnv, "1")

	c, err := New(Config{
		Name:       name,
		Dir:        dir,
		ScriptPath: scriptPath,
		ExecArgv:   execArgv,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, map[string]any{"op": "hello"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["echoed"])

	select {
	case <-wedgedDone:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the replacement daemon to usurp and kill the wedged peer")
	}
}

// TestCheckMtime_RestartsRunningDaemon covers spec §8.6: when the daemon
// script's mtime no longer matches what was recorded at commit time, the
// client kills the running daemon; the next request reconnects through a
// freshly spawned replacement.
func TestCheckMtime_RestartsRunningDaemon(t *testing.T) {
	dir := t.TempDir()
	name := "echo"
	paths := daemon.DerivePaths(dir, name)
	require.NoError(t, os.MkdirAll(paths.Dir, 0o755))

	execArgv, scriptPath := selfExecHelper(t, dir, "TestReplacementDaemonHelperProcess")

	t.Setenv(helperDirEnv, dir)
	t.Setenv(helperNameEnv, name)
	t.Setenv(replacementHelperEnv, "1")
	t.Setenv(daemon.ScriptEnvVar(name), scriptPath)

	original := exec.Command(os.Args[0], "-test.run=TestReplacementDaemonHelperProcess", "--")
	original.Env = os.Environ()
	originalStdout, err := original.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, original.Start())

	originalDone := make(chan struct{})
	go func() {
		_ = original.Wait()
		close(originalDone)
	}()
	t.Cleanup(func() {
		_ = original.Process.Kill()
		<-originalDone
	})

	buf := make([]byte, 16)
	_, err = originalStdout.Read(buf)
	require.NoError(t, err)

	c, err := New(Config{
		Name:       name,
		Dir:        dir,
		ScriptPath: scriptPath,
		ExecArgv:   execArgv,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Request(ctx, map[string]any{"op": "first"})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(scriptPath, future, future))

	select {
	case <-originalDone:
		t.Fatal("original daemon exited before the mtime check ran")
	default:
	}

	require.Eventually(t, func() bool {
		return c.checkMtime()
	}, 2*time.Second, 10*time.Millisecond, "expected checkMtime to detect the mtime mismatch")

	select {
	case <-originalDone:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the original daemon to be killed after the mtime mismatch")
	}

	_, err = os.Stat(paths.MtimePath)
	assert.True(t, os.IsNotExist(err))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel2()
	resp, err := c.Request(ctx2, map[string]any{"op": "second"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["echoed"])
}

// TestMultiProcessSingletonElection covers spec §8.1: two real processes
// racing to become the daemon for the same directory elect exactly one
// winner; the other defers.
func TestMultiProcessSingletonElection(t *testing.T) {
	dir := t.TempDir()
	name := "echo"
	paths := daemon.DerivePaths(dir, name)
	require.NoError(t, os.MkdirAll(paths.Dir, 0o755))

	launch := func() *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestReplacementDaemonHelperProcess", "--")
		cmd.Env = append(os.Environ(),
			replacementHelperEnv+"=1",
			helperDirEnv+"="+dir,
			helperNameEnv+"="+name,
		)
		return cmd
	}

	a, b := launch(), launch()
	outA, err := a.StdoutPipe()
	require.NoError(t, err)
	outB, err := b.StdoutPipe()
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		_ = a.Process.Kill()
		_ = b.Process.Kill()
		_ = a.Wait()
		_ = b.Wait()
	})

	readToken := func(r io.Reader) string {
		buf := make([]byte, 64)
		n, _ := r.Read(buf)
		return string(buf[:n])
	}

	tokenA := readToken(outA)
	tokenB := readToken(outB)

	var winners, losers int
	for _, tok := range []string{tokenA, tokenB} {
		switch {
		case strings.HasPrefix(tok, "READY"):
			winners++
		case strings.HasPrefix(tok, "ALREADY RUNNING"):
			losers++
		default:
			t.Fatalf("unexpected daemon stdout token %q", tok)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}
