package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// Server tuning.
const (
	// requestTimeout bounds one daemon request end to end, including
	// server spawn and indexing waits.
	requestTimeout = 120 * time.Second

	// reapInterval is how often idle clients and projects are collected.
	reapInterval = 60 * time.Second
)

// Server multiplexes language intelligence across project roots over a
// unix socket. Each project root gets an isolated context; requests are
// newline-delimited JSON-RPC 2.0 envelopes.
type Server struct {
	rt  *config.Runtime
	log *logrus.Entry

	listener net.Listener
	started  time.Time

	mu       sync.Mutex
	projects map[string]*projectContext

	requests atomic.Int64

	shutdown chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer creates a daemon server.
func NewServer(rt *config.Runtime, log *logrus.Entry) *Server {
	return &Server{
		rt:       rt,
		log:      log.WithField("component", "daemon"),
		projects: make(map[string]*projectContext),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run binds the socket and serves until Stop or a fatal accept error. The
// state directory is private to the user; the socket itself is 0600.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.rt.Daemon.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	sock := s.rt.SocketPath()
	if socketAlive(sock) {
		return fmt.Errorf("daemon already running on %s", sock)
	}
	_ = os.Remove(sock) // stale socket from a dead daemon

	listener, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", sock, err)
	}
	if err := os.Chmod(sock, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket perms: %w", err)
	}
	if err := os.WriteFile(s.rt.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("write pid file: %w", err)
	}

	s.listener = listener
	s.started = time.Now()
	s.log.WithField("socket", sock).Info("daemon listening")

	go s.reapLoop(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				<-s.stopped
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.serveConn(ctx, conn)
	}
}

// socketAlive reports whether something is accepting on sock.
func socketAlive(sock string) bool {
	conn, err := net.DialTimeout("unix", sock, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// serveConn attaches a JSON-RPC connection; requests on one connection
// are handled concurrently.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.PlainObjectCodec{})
	jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))
}

// handle dispatches one request under the global request timeout.
func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	s.requests.Add(1)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.dispatch(ctx, req)
	entry := s.log.WithField("method", req.Method).WithField("elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		entry.WithError(err).Warn("request failed")
		return nil, rpcError(err)
	}
	entry.Debug("request served")
	return result, nil
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodPing:
		return "pong", nil
	case MethodStatus:
		return s.status(), nil
	case MethodShutdown:
		go s.Stop()
		return "ok", nil
	}

	if req.Params == nil {
		return nil, fmt.Errorf("%s: missing params", req.Method)
	}
	raw := []byte(*req.Params)

	switch req.Method {
	case MethodFindDef:
		return s.positionQuery(ctx, raw, "textDocument/definition")
	case MethodFindTypeDef:
		return s.positionQuery(ctx, raw, "textDocument/typeDefinition")
	case MethodFindImpl:
		return s.positionQuery(ctx, raw, "textDocument/implementation")
	case MethodHover:
		return s.positionQuery(ctx, raw, "textDocument/hover")
	case MethodSignatureHelp:
		return s.positionQuery(ctx, raw, "textDocument/signatureHelp")
	case MethodFindRefs:
		return s.findRefs(ctx, raw)
	case MethodFindSymbol:
		return s.findSymbol(ctx, raw)
	case MethodWorkspaceSymbol:
		return s.workspaceSymbol(ctx, raw)
	case MethodDiagnostics:
		return s.diagnostics(ctx, raw)
	case MethodCallsIncoming:
		return s.hierarchyQuery(ctx, raw, "textDocument/prepareCallHierarchy", "callHierarchy/incomingCalls")
	case MethodCallsOutgoing:
		return s.hierarchyQuery(ctx, raw, "textDocument/prepareCallHierarchy", "callHierarchy/outgoingCalls")
	case MethodSupertypes:
		return s.hierarchyQuery(ctx, raw, "textDocument/prepareTypeHierarchy", "typeHierarchy/supertypes")
	case MethodSubtypes:
		return s.hierarchyQuery(ctx, raw, "textDocument/prepareTypeHierarchy", "typeHierarchy/subtypes")
	case MethodPrepareRename:
		return s.positionQuery(ctx, raw, "textDocument/prepareRename")
	case MethodRename:
		return s.rename(ctx, raw)
	case MethodCodeActions:
		return s.codeActions(ctx, raw)
	case MethodApplyCodeAction:
		return s.applyCodeAction(ctx, raw)
	case MethodInlayHints:
		return s.inlayHints(ctx, raw)
	case MethodFoldingRanges:
		return s.fileQuery(ctx, raw, "textDocument/foldingRange")
	case MethodCodeLens:
		return s.fileQuery(ctx, raw, "textDocument/codeLens")
	case MethodSelectionRanges:
		return s.selectionRanges(ctx, raw)
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method: " + req.Method}
	}
}

// project returns the context for root, creating it on first use.
func (s *Server) project(root string) (*projectContext, error) {
	if root == "" {
		return nil, fmt.Errorf("missing project param")
	}
	canon, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.projects[canon]; ok {
		return pc, nil
	}
	pc := newProjectContext(canon, s.rt, s.log.Logger.WithField("project", canon))
	s.projects[canon] = pc
	s.log.WithField("project", canon).Info("new project context")
	return pc, nil
}

func (s *Server) status() StatusResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := StatusResult{
		Running:        true,
		Pid:            os.Getpid(),
		UptimeSecs:     int64(time.Since(s.started).Seconds()),
		SocketPath:     s.rt.SocketPath(),
		RequestsServed: s.requests.Load(),
	}
	for _, pc := range s.projects {
		result.Projects = append(result.Projects, ProjectStatus{
			Root:           pc.root,
			RequestsServed: pc.requests.Load(),
			IdleSecs:       int64(pc.idle().Seconds()),
			Servers:        pc.manager.ServerStatuses(),
		})
	}
	return result
}

// reapLoop periodically stops idle language servers and drops whole
// project contexts nobody has touched past the idle timeout.
func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reap(ctx)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) reap(ctx context.Context) {
	idleTimeout := s.rt.Daemon.IdleTimeout

	s.mu.Lock()
	var stale []*projectContext
	for root, pc := range s.projects {
		if pc.idle() >= idleTimeout {
			stale = append(stale, pc)
			delete(s.projects, root)
		}
	}
	live := make([]*projectContext, 0, len(s.projects))
	for _, pc := range s.projects {
		live = append(live, pc)
	}
	s.mu.Unlock()

	for _, pc := range stale {
		s.log.WithField("project", pc.root).Info("dropping idle project")
		pc.shutdown(ctx)
	}
	for _, pc := range live {
		pc.manager.CleanupIdle(ctx, idleTimeout)
	}
}

// Stop shuts the daemon down: no new connections, every language server
// terminated, socket and pid files removed.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		projects := make([]*projectContext, 0, len(s.projects))
		for root, pc := range s.projects {
			projects = append(projects, pc)
			delete(s.projects, root)
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, pc := range projects {
			pc.shutdown(ctx)
		}

		os.Remove(s.rt.SocketPath())
		os.Remove(s.rt.PidPath())
		s.log.Info("daemon stopped")
		close(s.stopped)
	})
}

// unmarshalParams decodes raw into v with strict JSON.
func unmarshalParams(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
