package lsp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// Health monitor tuning.
const (
	healthCheckInterval = 30 * time.Second
	healthFailThreshold = 3
)

// HealthMonitor periodically probes every registered client for process
// liveness. A client failing the threshold number of consecutive probes
// is declared unhealthy; with auto-restart enabled it is evicted so the
// next request respawns it.
type HealthMonitor struct {
	manager  *Manager
	rt       *config.Runtime
	log      *logrus.Entry
	interval time.Duration

	mu       sync.Mutex
	failures map[config.Language]int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHealthMonitor creates a monitor over manager's clients.
func NewHealthMonitor(manager *Manager, rt *config.Runtime, log *logrus.Entry) *HealthMonitor {
	return &HealthMonitor{
		manager:  manager,
		rt:       rt,
		log:      log,
		interval: healthCheckInterval,
		failures: make(map[config.Language]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop.
func (h *HealthMonitor) Start() {
	go h.run()
}

// Stop halts the probe loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *HealthMonitor) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.checkAll()
		case <-h.stop:
			return
		}
	}
}

// checkAll probes every registered client once.
func (h *HealthMonitor) checkAll() {
	for _, lang := range h.manager.Languages() {
		client := h.manager.registered(lang)
		if client == nil {
			continue // still initializing
		}
		h.record(lang, client.IsRunning(), client)
	}
}

// record updates the consecutive failure count for lang and reacts when
// the threshold is crossed.
func (h *HealthMonitor) record(lang config.Language, healthy bool, client *Client) {
	h.mu.Lock()
	if healthy {
		delete(h.failures, lang)
		h.mu.Unlock()
		return
	}
	h.failures[lang]++
	count := h.failures[lang]
	h.mu.Unlock()

	if count < healthFailThreshold {
		return
	}

	entry := h.log.WithField("language", string(lang)).WithField("failures", count)
	if !h.rt.AutoRestart {
		entry.Warn("language server unhealthy, auto-restart disabled")
		return
	}

	entry.Warn("language server unhealthy, evicting for respawn")
	if client != nil {
		h.manager.dropDead(lang, client)
	}
	h.mu.Lock()
	delete(h.failures, lang)
	h.mu.Unlock()
}

// UnhealthyServers returns the languages currently failing probes,
// together with their consecutive failure counts.
func (h *HealthMonitor) UnhealthyServers() map[config.Language]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[config.Language]int, len(h.failures))
	for lang, count := range h.failures {
		out[lang] = count
	}
	return out
}
