package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRuntime(t *testing.T) {
	rt := Default()
	require.Equal(t, 30*time.Second, rt.BaseTimeout)
	require.Equal(t, int64(10*1024*1024), rt.MaxFileSize)
	require.True(t, rt.AutoRestart)
	require.Equal(t, int64(8), rt.Daemon.MaxConcurrent)
	require.Equal(t, 30*time.Minute, rt.Daemon.IdleTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symora.toml")
	content := `
[lsp]
timeout_secs = 60
auto_restart = false

[daemon]
idle_timeout_mins = 5
max_concurrent = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rt, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, rt.BaseTimeout)
	require.False(t, rt.AutoRestart)
	require.Equal(t, 5*time.Minute, rt.Daemon.IdleTimeout)
	require.Equal(t, int64(2), rt.Daemon.MaxConcurrent)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	rt, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, rt.BaseTimeout)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SYMORA_LSP_TIMEOUT_SECS", "45")
	t.Setenv("SYMORA_LOG_LEVEL", "debug")

	rt, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, rt.BaseTimeout)
	require.Equal(t, "debug", rt.LogLevel)
}

func TestTimeoutFormula(t *testing.T) {
	rt := Default()

	// Rust normal request: 30s x 1.5 x 1.0 = 45s.
	require.Equal(t, 45*time.Second, rt.TimeoutFor(LangRust, "textDocument/hover"))

	// Kotlin workspace operation: 30s x 10.0 x 6.0 = 1800s.
	require.Equal(t, 1800*time.Second, rt.TimeoutFor(LangKotlin, "workspace/symbol"))

	// Python initialization: 30s x 8.0 x 2.0 = 480s.
	require.Equal(t, 480*time.Second, rt.TimeoutFor(LangPython, "initialize"))

	// TypeScript rename: 30s x 2.5 x 10.0 = 750s.
	require.Equal(t, 750*time.Second, rt.TimeoutFor(LangTypeScript, "textDocument/rename"))
}

func TestOperationClassification(t *testing.T) {
	require.Equal(t, OpRequest, OperationFor("textDocument/hover"))
	require.Equal(t, OpWorkspace, OperationFor("workspace/symbol"))
	require.Equal(t, OpWorkspace, OperationFor("callHierarchy/incomingCalls"))
	require.Equal(t, OpRename, OperationFor("textDocument/rename"))
	require.Equal(t, OpRename, OperationFor("textDocument/prepareRename"))
	require.Equal(t, OpInitialization, OperationFor("initialize"))
	require.Equal(t, OpShutdown, OperationFor("shutdown"))
}

func TestProfiles(t *testing.T) {
	kotlin := ProfileFor(LangKotlin)
	require.Equal(t, 10.0, kotlin.TimeoutMultiplier)
	require.Equal(t, 2*time.Second, kotlin.CrossFileWait)
	require.True(t, kotlin.AggressiveRetry)

	require.Equal(t, time.Duration(0), ProfileFor(LangRust).CrossFileWait)
	require.Equal(t, 1500*time.Millisecond, ProfileFor(LangPython).CrossFileWait)
	require.False(t, ProfileFor(LangGo).AggressiveRetry)
}

func TestLanguageForPath(t *testing.T) {
	require.Equal(t, LangGo, LanguageForPath("/src/main.go"))
	require.Equal(t, LangTypeScript, LanguageForPath("app.TSX"))
	require.Equal(t, LangRust, LanguageForPath("lib.rs"))
	require.Equal(t, LangUnknown, LanguageForPath("README.md.bak"))
}
