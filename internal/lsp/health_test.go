package lsp

import (
	"context"
	"testing"
	"time"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

func newTestMonitor(t *testing.T, autoRestart bool) (*HealthMonitor, *Manager, *fakeSpawn) {
	t.Helper()
	m, fake := newTestManager(t)
	m.rt.AutoRestart = autoRestart
	h := NewHealthMonitor(m, m.rt, testLogger())
	return h, m, fake
}

func TestHealthMonitor_HealthyClientUntouched(t *testing.T) {
	h, m, fake := newTestMonitor(t, true)

	if _, err := m.GetClient(context.Background(), config.LangGo); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	for range healthFailThreshold + 1 {
		h.checkAll()
	}

	if fake.count.Load() != 1 {
		t.Errorf("%d spawns, healthy client must not be restarted", fake.count.Load())
	}
	if len(h.UnhealthyServers()) != 0 {
		t.Errorf("unhealthy = %v, want none", h.UnhealthyServers())
	}
}

func TestHealthMonitor_EvictsAfterThreshold(t *testing.T) {
	h, m, _ := newTestMonitor(t, true)

	client, err := m.GetClient(context.Background(), config.LangGo)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	client.markTerminated()

	// Below the threshold: still registered, counted as failing.
	for range healthFailThreshold - 1 {
		h.checkAll()
	}
	if got := h.UnhealthyServers()[config.LangGo]; got != healthFailThreshold-1 {
		t.Fatalf("failure count = %d, want %d", got, healthFailThreshold-1)
	}
	if m.registered(config.LangGo) == nil {
		t.Fatal("client evicted before threshold")
	}

	// Crossing the threshold evicts so the next request respawns.
	h.checkAll()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.registered(config.LangGo) != nil {
		time.Sleep(5 * time.Millisecond)
	}
	if m.registered(config.LangGo) != nil {
		t.Error("dead client still registered after threshold")
	}
	if len(h.UnhealthyServers()) != 0 {
		t.Errorf("failure count not reset after eviction: %v", h.UnhealthyServers())
	}
}

func TestHealthMonitor_AutoRestartDisabled(t *testing.T) {
	h, m, _ := newTestMonitor(t, false)

	client, err := m.GetClient(context.Background(), config.LangGo)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	client.markTerminated()

	for range healthFailThreshold + 2 {
		h.checkAll()
	}

	if m.registered(config.LangGo) == nil {
		t.Error("client evicted despite auto-restart being disabled")
	}
	if h.UnhealthyServers()[config.LangGo] < healthFailThreshold {
		t.Errorf("failure count = %d, want at least %d", h.UnhealthyServers()[config.LangGo], healthFailThreshold)
	}
}

func TestHealthMonitor_RecoveryResetsCount(t *testing.T) {
	h, _, _ := newTestMonitor(t, true)

	// Two failures, then a healthy probe.
	h.failures[config.LangRust] = 2
	h.record(config.LangRust, true, nil)

	if got := h.UnhealthyServers()[config.LangRust]; got != 0 {
		t.Errorf("failure count = %d after recovery, want 0", got)
	}
}

func TestHealthMonitor_StartStop(t *testing.T) {
	h, _, _ := newTestMonitor(t, true)
	h.interval = 10 * time.Millisecond
	h.Start()
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
