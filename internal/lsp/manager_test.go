package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// fakeSpawn produces in-memory clients and counts launches.
type fakeSpawn struct {
	mu       sync.Mutex
	count    atomic.Int64
	delay    time.Duration
	err      error
	cleanups []func()
}

func (f *fakeSpawn) spawn(_ context.Context, lang config.Language) (*Client, error) {
	f.count.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	client, server, cleanup := newTestClient(lang, testRuntime(time.Second))
	go func() {
		for {
			if _, err := server.ReadMessage(); err != nil {
				// A real server exits once its stdin closes.
				cleanup()
				return
			}
		}
	}()
	f.mu.Lock()
	f.cleanups = append(f.cleanups, cleanup)
	f.mu.Unlock()
	return client, nil
}

func (f *fakeSpawn) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.cleanups {
		fn()
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeSpawn) {
	t.Helper()
	m := NewManager("/tmp/project", testRuntime(time.Second), testLogger())
	fake := &fakeSpawn{}
	m.spawnFn = fake.spawn
	t.Cleanup(fake.close)
	return m, fake
}

func TestManager_SingleSpawnUnderConcurrency(t *testing.T) {
	m, fake := newTestManager(t)
	fake.delay = 20 * time.Millisecond

	const callers = 16
	clients := make([]*Client, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i], errs[i] = m.GetClient(context.Background(), config.LangGo)
		}()
	}
	wg.Wait()

	if got := fake.count.Load(); got != 1 {
		t.Fatalf("%d spawns for %d concurrent callers, want 1", got, callers)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if clients[i] != clients[0] {
			t.Fatal("callers received different client instances")
		}
	}
}

func TestManager_SpawnFailureReachesWaiters(t *testing.T) {
	m, fake := newTestManager(t)
	fake.delay = 20 * time.Millisecond
	fake.err = &NotInstalledError{Server: "rust-analyzer", InstallHint: "rustup component add rust-analyzer"}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.GetClient(context.Background(), config.LangRust)
		}()
	}
	wg.Wait()

	for i := range callers {
		var target *NotInstalledError
		if !errors.As(errs[i], &target) {
			t.Errorf("caller %d error = %v, want NotInstalledError", i, errs[i])
		}
	}

	// The failed slot must not poison later attempts.
	fake.err = nil
	if _, err := m.GetClient(context.Background(), config.LangRust); err != nil {
		t.Fatalf("retry after failed spawn error = %v", err)
	}
}

func TestManager_UnknownLanguageRejected(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetClient(context.Background(), config.LangUnknown); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("error = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestManager_DeadClientRespawned(t *testing.T) {
	m, fake := newTestManager(t)

	first, err := m.GetClient(context.Background(), config.LangGo)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	// Kill the process behind the manager's back.
	first.markTerminated()

	second, err := m.GetClient(context.Background(), config.LangGo)
	if err != nil {
		t.Fatalf("GetClient() after death error = %v", err)
	}
	if second == first {
		t.Error("dead client returned instead of a respawn")
	}
	if fake.count.Load() != 2 {
		t.Errorf("%d spawns, want 2", fake.count.Load())
	}
}

func TestManager_CleanupIdleExactness(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.GetClient(ctx, config.LangGo); err != nil {
		t.Fatalf("GetClient(go) error = %v", err)
	}
	if _, err := m.GetClient(ctx, config.LangRust); err != nil {
		t.Fatalf("GetClient(rust) error = %v", err)
	}

	// Age only the go client.
	m.mu.Lock()
	m.clients[config.LangGo].lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	m.mu.Unlock()

	idle := m.CleanupIdle(ctx, 30*time.Minute)
	if len(idle) != 1 || idle[0] != config.LangGo {
		t.Fatalf("CleanupIdle() = %v, want exactly [go]", idle)
	}
	if m.Client(config.LangGo) != nil {
		t.Error("idle client still registered")
	}
	if m.Client(config.LangRust) == nil {
		t.Error("fresh client was cleaned up")
	}

	// Nothing else qualifies on a second pass.
	if again := m.CleanupIdle(ctx, 30*time.Minute); len(again) != 0 {
		t.Errorf("second CleanupIdle() = %v, want none", again)
	}
}

func TestManager_ExecuteWithRetryRespawnsAfterCrash(t *testing.T) {
	m, fake := newTestManager(t)

	calls := 0
	result, err := m.ExecuteWithRetry(context.Background(), config.LangGo,
		func(_ context.Context, client *Client) (json.RawMessage, error) {
			calls++
			if calls == 1 {
				// Simulate the server dying mid-request.
				client.markTerminated()
				return nil, fmt.Errorf("hover: %w", ErrServerTerminated)
			}
			return json.RawMessage(`"ok"`), nil
		})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if string(result) != `"ok"` {
		t.Errorf("result = %s", result)
	}
	if calls != 2 {
		t.Errorf("op ran %d times, want 2", calls)
	}
	if fake.count.Load() != 2 {
		t.Errorf("%d spawns, want a respawn after the crash (2)", fake.count.Load())
	}
}

func TestManager_ExecuteWithRetryStopsOnPermanent(t *testing.T) {
	m, _ := newTestManager(t)

	calls := 0
	_, err := m.ExecuteWithRetry(context.Background(), config.LangGo,
		func(_ context.Context, _ *Client) (json.RawMessage, error) {
			calls++
			return nil, errors.New("malformed query")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-recoverable op ran %d times, want 1", calls)
	}
}

func TestManager_ShutdownAll(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, lang := range []config.Language{config.LangGo, config.LangRust, config.LangPython} {
		if _, err := m.GetClient(ctx, lang); err != nil {
			t.Fatalf("GetClient(%s) error = %v", lang, err)
		}
	}
	if len(m.Languages()) != 3 {
		t.Fatalf("registered %d languages, want 3", len(m.Languages()))
	}

	done := make(chan struct{})
	go func() {
		m.ShutdownAll(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ShutdownAll did not finish")
	}
	if len(m.Languages()) != 0 {
		t.Errorf("clients remain after ShutdownAll: %v", m.Languages())
	}
}

func TestManager_ServerStatuses(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetClient(context.Background(), config.LangGo); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	statuses := m.ServerStatuses()
	if len(statuses) != 1 {
		t.Fatalf("%d statuses, want 1", len(statuses))
	}
	s := statuses[0]
	if s.Language != "go" || !s.Running {
		t.Errorf("status = %+v, want running go", s)
	}
}
