package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// SYMORA_LSP_TIMEOUT_SECS=60.
const envPrefix = "SYMORA_"

// OperationType classifies LSP methods by cost. Workspace-wide operations
// and renames can cost 10-100x a simple lookup on slow servers, so they
// carry larger timeout multipliers.
type OperationType int

// Operation classes.
const (
	OpRequest OperationType = iota
	OpWorkspace
	OpRename
	OpInitialization
	OpShutdown
)

// OperationFor classifies an LSP method name.
func OperationFor(method string) OperationType {
	switch method {
	case "textDocument/rename", "textDocument/prepareRename":
		return OpRename
	case "workspace/symbol",
		"textDocument/references",
		"textDocument/implementation",
		"textDocument/prepareCallHierarchy",
		"callHierarchy/incomingCalls",
		"callHierarchy/outgoingCalls":
		return OpWorkspace
	case "initialize":
		return OpInitialization
	case "shutdown":
		return OpShutdown
	default:
		return OpRequest
	}
}

// Multiplier returns the timeout multiplier for the operation class.
func (o OperationType) Multiplier() float64 {
	switch o {
	case OpWorkspace:
		return 6.0
	case OpRename:
		return 10.0
	case OpInitialization:
		return 2.0
	case OpShutdown:
		return 0.5
	default:
		return 1.0
	}
}

// Runtime is the resolved runtime configuration. It is constructed once at
// startup and passed by reference to every component that needs timeout,
// retry, or daemon parameters.
type Runtime struct {
	// BaseTimeout is the base request timeout before language and
	// operation multipliers are applied.
	BaseTimeout time.Duration

	// MaxFileSize bounds the size of files read for document sync.
	MaxFileSize int64

	// AutoRestart enables health-driven and retry-driven server restarts.
	AutoRestart bool

	// LogLevel is the logrus level name ("debug", "info", ...).
	LogLevel string

	// Daemon holds daemon-specific settings.
	Daemon DaemonSettings
}

// DaemonSettings configures the background daemon.
type DaemonSettings struct {
	// StateDir holds the socket, pid, and lock files.
	StateDir string

	// IdleTimeout is how long a project context may sit unused before
	// the reaper drops it.
	IdleTimeout time.Duration

	// MaxConcurrent bounds in-flight requests per project.
	MaxConcurrent int64
}

// fileConfig is the on-disk TOML shape.
type fileConfig struct {
	LSP struct {
		TimeoutSecs int  `koanf:"timeout_secs"`
		AutoRestart bool `koanf:"auto_restart"`
	} `koanf:"lsp"`
	Search struct {
		MaxFileSizeMB int64 `koanf:"max_file_size_mb"`
	} `koanf:"search"`
	Daemon struct {
		StateDir        string `koanf:"state_dir"`
		IdleTimeoutMins int    `koanf:"idle_timeout_mins"`
		MaxConcurrent   int64  `koanf:"max_concurrent"`
	} `koanf:"daemon"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func defaults() map[string]any {
	return map[string]any{
		"lsp.timeout_secs":         30,
		"lsp.auto_restart":         true,
		"search.max_file_size_mb":  10,
		"daemon.state_dir":         "",
		"daemon.idle_timeout_mins": 30,
		"daemon.max_concurrent":    8,
		"log.level":                "info",
	}
}

// Default returns the runtime configuration with built-in defaults and no
// file or environment input.
func Default() *Runtime {
	rt, _ := load("")
	return rt
}

// Load reads configuration from the given TOML file (optional; a missing
// file is not an error), then applies SYMORA_ environment overrides on top
// of built-in defaults.
func Load(path string) (*Runtime, error) {
	return load(path)
}

func load(path string) (*Runtime, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// SYMORA_LSP_TIMEOUT_SECS -> lsp.timeout_secs
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.Replace(key, "_", ".", 1), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	stateDir := fc.Daemon.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		stateDir = filepath.Join(home, ".symora")
	}

	return &Runtime{
		BaseTimeout: time.Duration(fc.LSP.TimeoutSecs) * time.Second,
		MaxFileSize: fc.Search.MaxFileSizeMB * 1024 * 1024,
		AutoRestart: fc.LSP.AutoRestart,
		LogLevel:    fc.Log.Level,
		Daemon: DaemonSettings{
			StateDir:      stateDir,
			IdleTimeout:   time.Duration(fc.Daemon.IdleTimeoutMins) * time.Minute,
			MaxConcurrent: fc.Daemon.MaxConcurrent,
		},
	}, nil
}

// TimeoutFor computes the effective timeout for a method issued to a
// language's server: base x language multiplier x operation multiplier.
func (r *Runtime) TimeoutFor(lang Language, method string) time.Duration {
	profile := ProfileFor(lang)
	mult := profile.TimeoutMultiplier * OperationFor(method).Multiplier()
	return time.Duration(float64(r.BaseTimeout) * mult)
}

// IndexingWait returns the indexing wait bound for a language.
func (r *Runtime) IndexingWait(lang Language) time.Duration {
	return ProfileFor(lang).IndexingWait
}

// CrossFileWait returns the one-shot cross-file delay for a language.
func (r *Runtime) CrossFileWait(lang Language) time.Duration {
	return ProfileFor(lang).CrossFileWait
}

// SocketPath returns the daemon socket path.
func (r *Runtime) SocketPath() string {
	return filepath.Join(r.Daemon.StateDir, "daemon.sock")
}

// PidPath returns the daemon pid file path.
func (r *Runtime) PidPath() string {
	return filepath.Join(r.Daemon.StateDir, "daemon.pid")
}

// LockPath returns the daemon start lock file path.
func (r *Runtime) LockPath() string {
	return filepath.Join(r.Daemon.StateDir, "daemon.lock")
}
