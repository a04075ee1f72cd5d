package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// clientResult is what an initialization waiter receives.
type clientResult struct {
	client *Client
	err    error
}

// clientEntry is one slot in the registry. While initializing holds true,
// client is nil and concurrent callers park on waiters instead of
// spawning a second process.
type clientEntry struct {
	initializing bool
	client       *Client
	waiters      []chan clientResult
	lastUsed     atomic.Int64 // unix nanos
}

func (e *clientEntry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

// Manager owns at most one client per language for one project root,
// guaranteeing a single spawn under concurrent demand. It also carries
// the per-project result caches so a server restart can invalidate them.
type Manager struct {
	rootPath string
	rt       *config.Runtime
	servers  map[config.Language]*ServerConfig
	log      *logrus.Entry

	// spawnFn launches a server; replaceable in tests.
	spawnFn func(context.Context, config.Language) (*Client, error)

	mu      sync.RWMutex
	clients map[config.Language]*clientEntry

	symbols          *SymbolCache
	workspaceSymbols *WorkspaceSymbolCache
}

// NewManager creates a manager for one project root.
func NewManager(rootPath string, rt *config.Runtime, log *logrus.Entry) *Manager {
	m := &Manager{
		rootPath:         rootPath,
		rt:               rt,
		servers:          DefaultServers(),
		log:              log.WithField("root", rootPath),
		clients:          make(map[config.Language]*clientEntry),
		symbols:          NewSymbolCache(),
		workspaceSymbols: NewWorkspaceSymbolCache(),
	}
	m.spawnFn = m.spawn
	return m
}

// RootPath returns the project root this manager serves.
func (m *Manager) RootPath() string { return m.rootPath }

// Symbols returns the per-file symbol cache.
func (m *Manager) Symbols() *SymbolCache { return m.symbols }

// WorkspaceSymbols returns the workspace query cache.
func (m *Manager) WorkspaceSymbols() *WorkspaceSymbolCache { return m.workspaceSymbols }

// GetClient returns the running client for lang, spawning it if needed.
// Concurrent callers for the same language never cause a second spawn:
// exactly one caller initializes while the rest wait for its outcome.
func (m *Manager) GetClient(ctx context.Context, lang config.Language) (*Client, error) {
	if lang == config.LangUnknown {
		return nil, ErrUnsupportedLanguage
	}

	for {
		// Fast path: a ready, live client.
		m.mu.RLock()
		if entry, ok := m.clients[lang]; ok && !entry.initializing && entry.client.IsRunning() {
			entry.touch()
			m.mu.RUnlock()
			return entry.client, nil
		}
		m.mu.RUnlock()

		m.mu.Lock()
		if entry, ok := m.clients[lang]; ok {
			if entry.initializing {
				ch := make(chan clientResult, 1)
				entry.waiters = append(entry.waiters, ch)
				m.mu.Unlock()

				select {
				case res := <-ch:
					if res.err != nil {
						return nil, res.err
					}
					if res.client.IsRunning() {
						return res.client, nil
					}
					continue // died between init and handoff, retry
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if entry.client.IsRunning() {
				entry.touch()
				m.mu.Unlock()
				return entry.client, nil
			}
			// Dead process still registered; evict and respawn.
			delete(m.clients, lang)
		}

		entry := &clientEntry{initializing: true}
		m.clients[lang] = entry
		m.mu.Unlock()

		client, err := m.spawnFn(ctx, lang)

		m.mu.Lock()
		if err != nil {
			delete(m.clients, lang)
		} else {
			entry.initializing = false
			entry.client = client
			entry.touch()
		}
		waiters := entry.waiters
		entry.waiters = nil
		m.mu.Unlock()

		for _, ch := range waiters {
			ch <- clientResult{client: client, err: err}
		}
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// spawn launches and initializes the server for lang.
func (m *Manager) spawn(ctx context.Context, lang config.Language) (*Client, error) {
	cfg, ok := m.servers[lang]
	if !ok {
		return nil, fmt.Errorf("%s: %w", lang, ErrUnsupportedLanguage)
	}
	if !cfg.IsInstalled() {
		return nil, &NotInstalledError{Server: cfg.Name, InstallHint: cfg.Install.Current()}
	}
	return StartClient(ctx, lang, m.rootPath, cfg, m.rt, m.log.Logger.WithField("root", m.rootPath))
}

// Client returns the live client for lang without spawning, or nil.
func (m *Manager) Client(lang config.Language) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.clients[lang]; ok && !entry.initializing && entry.client.IsRunning() {
		return entry.client
	}
	return nil
}

// registered returns the client slot for lang even when the process has
// died; nil while absent or initializing.
func (m *Manager) registered(lang config.Language) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.clients[lang]; ok && !entry.initializing {
		return entry.client
	}
	return nil
}

// Languages returns the languages with a registered client.
func (m *Manager) Languages() []config.Language {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]config.Language, 0, len(m.clients))
	for lang := range m.clients {
		out = append(out, lang)
	}
	return out
}

// Shutdown stops the client for lang, if any, and invalidates results the
// old process produced.
func (m *Manager) Shutdown(ctx context.Context, lang config.Language) {
	m.mu.Lock()
	entry, ok := m.clients[lang]
	if ok && !entry.initializing {
		delete(m.clients, lang)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.workspaceSymbols.Invalidate()
		_ = entry.client.Shutdown(ctx)
	}
}

// Restart replaces the client for lang with a fresh process.
func (m *Manager) Restart(ctx context.Context, lang config.Language) (*Client, error) {
	m.Shutdown(ctx, lang)
	return m.GetClient(ctx, lang)
}

// ShutdownAll stops every client concurrently.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for lang, entry := range m.clients {
		if !entry.initializing {
			clients = append(clients, entry.client)
		}
		delete(m.clients, lang)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.Shutdown(ctx)
		}()
	}
	wg.Wait()
}

// CleanupIdle shuts down exactly the clients idle for at least maxIdle and
// returns their languages. Initializing clients are never touched.
func (m *Manager) CleanupIdle(ctx context.Context, maxIdle time.Duration) []config.Language {
	cutoff := time.Now().Add(-maxIdle).UnixNano()

	m.mu.Lock()
	var idle []config.Language
	var victims []*Client
	for lang, entry := range m.clients {
		if entry.initializing || entry.lastUsed.Load() > cutoff {
			continue
		}
		idle = append(idle, lang)
		victims = append(victims, entry.client)
		delete(m.clients, lang)
	}
	m.mu.Unlock()

	for i, client := range victims {
		m.log.WithField("language", string(idle[i])).Info("stopping idle language server")
		_ = client.Shutdown(ctx)
	}
	return idle
}

// dropDead evicts client from the registry if it is still the registered
// instance, so the next GetClient spawns a replacement.
func (m *Manager) dropDead(lang config.Language, client *Client) {
	m.mu.Lock()
	if entry, ok := m.clients[lang]; ok && !entry.initializing && entry.client == client {
		delete(m.clients, lang)
	}
	m.mu.Unlock()
	m.workspaceSymbols.Invalidate()
	go func() {
		_ = client.Shutdown(context.Background())
	}()
}

// ExecuteWithRetry runs op against the client for lang, transparently
// respawning after a crash and retrying recoverable failures on the
// language's backoff profile.
func (m *Manager) ExecuteWithRetry(ctx context.Context, lang config.Language, op func(context.Context, *Client) (json.RawMessage, error)) (json.RawMessage, error) {
	return Retry(ctx, RetryConfigFor(lang), func() (json.RawMessage, error) {
		client, err := m.GetClient(ctx, lang)
		if err != nil {
			return nil, err
		}
		result, err := op(ctx, client)
		if err != nil && NeedsRestart(err) {
			m.log.WithField("language", string(lang)).WithError(err).Warn("client lost, scheduling respawn")
			m.dropDead(lang, client)
		}
		return result, err
	})
}

// ServerStatus is one row of the live status report.
type ServerStatus struct {
	Language      string `json:"language"`
	Running       bool   `json:"running"`
	IndexingState string `json:"indexing_state"`
	OpenDocuments int    `json:"open_documents"`
	IdleSeconds   int64  `json:"idle_seconds"`
}

// ServerStatuses reports every registered client.
func (m *Manager) ServerStatuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UnixNano()
	out := make([]ServerStatus, 0, len(m.clients))
	for lang, entry := range m.clients {
		status := ServerStatus{Language: string(lang)}
		if entry.initializing {
			status.IndexingState = "starting"
		} else {
			status.Running = entry.client.IsRunning()
			status.IndexingState = entry.client.IndexingState().String()
			status.OpenDocuments = entry.client.docs.len()
			status.IdleSeconds = (now - entry.lastUsed.Load()) / int64(time.Second)
		}
		out = append(out, status)
	}
	return out
}
