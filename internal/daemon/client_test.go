package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_PingNoDaemon(t *testing.T) {
	rt := testDaemonRuntime(t)
	client := NewClient(rt, "/bin/false", testLog())
	require.False(t, client.Ping(context.Background()))
}

func TestClient_EnsureRunningWithLiveDaemon(t *testing.T) {
	_, client := startServer(t)
	// A live daemon means no spawn attempt; /bin/false would fail loudly.
	require.NoError(t, client.EnsureRunning(context.Background()))
}

func TestClient_CallProjectInjectsRoot(t *testing.T) {
	_, client := startServer(t)

	// find_symbol against a nonexistent project: the error proves the
	// injected project param reached the handler's validation.
	var result any
	err := client.CallProject(context.Background(), "/definitely/missing/root",
		MethodFindSymbol, FileParams{File: "main.go"}, &result)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestClient_CallProjectOverridesParam(t *testing.T) {
	_, client := startServer(t)

	// Even when the caller supplies a project, CallProject's value wins.
	var result any
	err := client.CallProject(context.Background(), "/injected/root",
		MethodFindSymbol, FileParams{Project: "/caller/root", File: "main.go"}, &result)
	require.Error(t, err)
	require.Contains(t, err.Error(), "injected")
}

func TestClient_ShutdownWaitTimesOutCleanly(t *testing.T) {
	rt := testDaemonRuntime(t)
	client := NewClient(rt, "/bin/false", testLog())
	// No daemon: shutdown must fail fast on dial, not hang.
	start := time.Now()
	require.Error(t, client.Shutdown(context.Background()))
	require.Less(t, time.Since(start), 5*time.Second)
}
