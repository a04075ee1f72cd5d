package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/junyeong-ai/symora-sub000/internal/config"
	"github.com/junyeong-ai/symora-sub000/internal/lsp"
)

// projectContext is one multiplexed workspace: its own client manager,
// its own admission semaphore, and usage accounting for the reaper.
// Contexts for different roots never share language servers.
type projectContext struct {
	root    string
	manager *lsp.Manager
	health  *lsp.HealthMonitor
	sem     *semaphore.Weighted

	lastUsed atomic.Int64
	requests atomic.Int64
}

func newProjectContext(root string, rt *config.Runtime, log *logrus.Entry) *projectContext {
	pc := &projectContext{
		root: root,
		sem:  semaphore.NewWeighted(rt.Daemon.MaxConcurrent),
	}
	pc.manager = lsp.NewManager(root, rt, log)
	pc.health = lsp.NewHealthMonitor(pc.manager, rt, log)
	pc.health.Start()
	pc.touch()
	return pc
}

// shutdown stops health probing and every language server for this root.
func (p *projectContext) shutdown(ctx context.Context) {
	p.health.Stop()
	p.manager.ShutdownAll(ctx)
}

func (p *projectContext) touch() {
	p.lastUsed.Store(time.Now().UnixNano())
}

func (p *projectContext) idle() time.Duration {
	return time.Duration(time.Now().UnixNano() - p.lastUsed.Load())
}

// acquire admits one request, blocking when the project is saturated.
// The returned release must run on every exit path.
func (p *projectContext) acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	p.touch()
	p.requests.Add(1)
	return func() {
		p.sem.Release(1)
		p.touch()
	}, nil
}

// resolveFile makes file absolute within the project root and verifies it
// exists and fits under the sync size limit.
func (p *projectContext) resolveFile(file string, maxSize int64) (string, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", file, err)
	}
	if info.Size() > maxSize {
		return "", &lsp.FileTooLargeError{Path: path, Size: info.Size(), Limit: maxSize}
	}
	return path, nil
}

// canonicalRoot normalizes a project root so the same workspace always
// maps to the same context, symlinks included.
func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", root)
	}
	return abs, nil
}
