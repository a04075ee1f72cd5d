package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/junyeong-ai/symora-sub000/internal/config"
	"github.com/junyeong-ai/symora-sub000/internal/lsp"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testDaemonRuntime(t *testing.T) *config.Runtime {
	t.Helper()
	rt := config.Default()
	rt.Daemon.StateDir = t.TempDir()
	return rt
}

// startServer runs a daemon on a private state dir and returns a client
// bound to the same socket.
func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	rt := testDaemonRuntime(t)
	srv := NewServer(rt, testLog())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	client := NewClient(rt, "/bin/false", testLog())
	require.Eventually(t, func() bool {
		return client.Ping(context.Background())
	}, 5*time.Second, 20*time.Millisecond, "daemon never answered ping")
	return srv, client
}

func TestServer_PingStatusRoundTrip(t *testing.T) {
	srv, client := startServer(t)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Running)
	require.Equal(t, os.Getpid(), status.Pid)
	require.Equal(t, srv.rt.SocketPath(), status.SocketPath)
	require.Empty(t, status.Projects)
	// Ping plus this status call have been served.
	require.GreaterOrEqual(t, status.RequestsServed, int64(2))
}

func TestServer_SocketPermissions(t *testing.T) {
	srv, _ := startServer(t)

	info, err := os.Stat(srv.rt.SocketPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(srv.rt.Daemon.StateDir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	pid, err := os.ReadFile(srv.rt.PidPath())
	require.NoError(t, err)
	require.NotEmpty(t, pid)
}

func TestServer_RefusesSecondInstance(t *testing.T) {
	srv, _ := startServer(t)

	second := NewServer(srv.rt, testLog())
	err := second.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")
}

func TestServer_ShutdownRemovesSocket(t *testing.T) {
	srv, client := startServer(t)

	require.NoError(t, client.Shutdown(context.Background()))
	_, err := os.Stat(srv.rt.SocketPath())
	require.True(t, os.IsNotExist(err), "socket must be removed on shutdown")
	_, err = os.Stat(srv.rt.PidPath())
	require.True(t, os.IsNotExist(err), "pid file must be removed on shutdown")

	require.False(t, client.Ping(context.Background()))
}

func TestServer_UnknownMethod(t *testing.T) {
	_, client := startServer(t)

	var result any
	err := client.Call(context.Background(), "no_such_method", nil, &result)
	require.Error(t, err)
}

func TestServer_ProjectContextsIndependent(t *testing.T) {
	rt := testDaemonRuntime(t)
	srv := NewServer(rt, testLog())

	rootA := t.TempDir()
	rootB := t.TempDir()

	pcA, err := srv.project(rootA)
	require.NoError(t, err)
	pcB, err := srv.project(rootB)
	require.NoError(t, err)

	require.NotSame(t, pcA, pcB)
	require.NotSame(t, pcA.manager, pcB.manager)

	// Same root always resolves to the same context.
	again, err := srv.project(rootA)
	require.NoError(t, err)
	require.Same(t, pcA, again)
}

func TestServer_ProjectRootCanonicalization(t *testing.T) {
	rt := testDaemonRuntime(t)
	srv := NewServer(rt, testLog())

	root := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(root, link))

	direct, err := srv.project(root)
	require.NoError(t, err)
	viaLink, err := srv.project(link)
	require.NoError(t, err)
	require.Same(t, direct, viaLink, "symlinked root must share the context")
}

func TestServer_ProjectValidation(t *testing.T) {
	rt := testDaemonRuntime(t)
	srv := NewServer(rt, testLog())

	_, err := srv.project("")
	require.Error(t, err)

	_, err = srv.project(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = srv.project(file)
	require.Error(t, err)
}

func TestServer_ReapDropsIdleProjects(t *testing.T) {
	rt := testDaemonRuntime(t)
	rt.Daemon.IdleTimeout = 10 * time.Millisecond
	srv := NewServer(rt, testLog())

	pc, err := srv.project(t.TempDir())
	require.NoError(t, err)
	pc.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	srv.reap(context.Background())

	srv.mu.Lock()
	remaining := len(srv.projects)
	srv.mu.Unlock()
	require.Zero(t, remaining, "idle project context must be reaped")
}

func TestProjectContext_AdmissionControl(t *testing.T) {
	rt := testDaemonRuntime(t)
	rt.Daemon.MaxConcurrent = 1
	pc := newProjectContext(t.TempDir(), rt, testLog())

	release, err := pc.acquire(context.Background())
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pc.acquire(blocked)
	require.Error(t, err, "saturated project must reject within the deadline")

	release()
	release2, err := pc.acquire(context.Background())
	require.NoError(t, err)
	release2()

	require.Equal(t, int64(2), pc.requests.Load())
}

func TestProjectContext_ResolveFile(t *testing.T) {
	rt := testDaemonRuntime(t)
	root := t.TempDir()
	pc := newProjectContext(root, rt, testLog())

	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0o600))

	resolved, err := pc.resolveFile("main.go", rt.MaxFileSize)
	require.NoError(t, err)
	require.Equal(t, path, resolved)

	resolved, err = pc.resolveFile(path, rt.MaxFileSize)
	require.NoError(t, err)
	require.Equal(t, path, resolved)

	_, err = pc.resolveFile("missing.go", rt.MaxFileSize)
	require.Error(t, err)

	var tooLarge *lsp.FileTooLargeError
	_, err = pc.resolveFile("main.go", 3)
	require.Error(t, err)
	require.True(t, errors.As(err, &tooLarge))
	require.Equal(t, int64(3), tooLarge.Limit)
}
