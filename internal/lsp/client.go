package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// shutdownRequestTimeout bounds the polite LSP shutdown request.
const shutdownRequestTimeout = 2 * time.Second

// shutdownKillTimeout bounds waiting for process exit before SIGKILL.
const shutdownKillTimeout = 5 * time.Second

// Client owns one language server subprocess. It correlates requests to
// responses by id, synchronizes documents with reference counting, tracks
// workspace indexing, and performs three-stage graceful shutdown.
//
// All state updates driven by server messages happen on a single
// dispatcher goroutine fed by the reader loop; request paths only touch
// the pending table and caches under short-lived locks.
type Client struct {
	language config.Language
	rt       *config.Runtime
	rootURI  string
	log      *logrus.Entry

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	transport *Transport

	nextID  atomic.Int64
	pmu     sync.Mutex
	pending map[int64]chan *Response

	terminated      atomic.Bool
	crossFileWaited atomic.Bool

	capabilities json.RawMessage

	// syncMu linearizes the read-check-write of a document's
	// version/hash together with the resulting notification.
	syncMu sync.Mutex

	docs     *documentCache
	diags    *diagnosticsCache
	indexing *indexingTracker

	incoming chan *Message
	procDone chan struct{}
	exitErr  error
}

// StartClient spawns the language server for lang, starts the reader and
// dispatcher loops, and performs the initialize handshake.
func StartClient(ctx context.Context, lang config.Language, rootPath string, cfg *ServerConfig, rt *config.Runtime, log *logrus.Entry) (*Client, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = rootPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ServerStartError{Language: string(lang), Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ServerStartError{Language: string(lang), Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ServerStartError{Language: string(lang), Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ServerStartError{Language: string(lang), Err: err}
	}

	c := &Client{
		language:  lang,
		rt:        rt,
		rootURI:   PathToURI(rootPath),
		log:       log.WithField("language", string(lang)),
		cmd:       cmd,
		stdin:     stdin,
		transport: NewTransport(stdout, stdin),
		pending:   make(map[int64]chan *Response),
		docs:      newDocumentCache(MaxOpenDocuments),
		diags:     newDiagnosticsCache(MaxDiagnosticsCache),
		indexing:  newIndexingTracker(),
		incoming:  make(chan *Message, 64),
		procDone:  make(chan struct{}),
	}

	go c.drainStderr(stderr)
	go c.readLoop()
	go c.dispatchLoop()
	go func() {
		c.exitErr = cmd.Wait()
		if c.exitErr != nil && !c.terminated.Load() {
			c.log.WithError(c.exitErr).Warn("language server exited")
		}
		close(c.procDone)
		c.markTerminated()
	}()

	if err := c.initialize(ctx, cfg); err != nil {
		_ = c.Shutdown(context.Background())
		return nil, &ServerStartError{Language: string(lang), Err: err}
	}

	c.log.WithField("command", cfg.Command).Info("language server started")
	return c, nil
}

// initialize performs the LSP handshake and stores negotiated capabilities.
func (c *Client) initialize(ctx context.Context, cfg *ServerConfig) error {
	params := map[string]any{
		"processId": nil,
		"rootUri":   c.rootURI,
		"clientInfo": map[string]any{
			"name":    "symora",
			"version": "1.0",
		},
		"capabilities": map[string]any{
			"general": map[string]any{
				"positionEncodings": []string{"utf-16"},
			},
			"window": map[string]any{
				"workDoneProgress": true,
			},
			"textDocument": map[string]any{
				"synchronization":    map[string]any{"didSave": false},
				"publishDiagnostics": map[string]any{},
				"hover":              map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
				"documentSymbol":     map[string]any{"hierarchicalDocumentSymbolSupport": true},
				"definition":         map[string]any{"linkSupport": true},
				"callHierarchy":      map[string]any{},
				"typeHierarchy":      map[string]any{},
			},
			"workspace": map[string]any{
				"symbol":        map[string]any{},
				"configuration": true,
			},
		},
	}
	if opts := initOptions(c.language, c.rootURI); opts != nil {
		params["initializationOptions"] = opts
	}

	result, err := c.Request(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if caps := gjson.GetBytes(result, "capabilities"); caps.Exists() {
		c.capabilities = json.RawMessage(caps.Raw)
	}
	return c.Notify("initialized", map[string]any{})
}

// Language returns the client's language.
func (c *Client) Language() config.Language { return c.language }

// Capabilities returns the server's negotiated capabilities.
func (c *Client) Capabilities() json.RawMessage { return c.capabilities }

// IsRunning reports whether the subprocess is still alive.
func (c *Client) IsRunning() bool { return !c.terminated.Load() }

// Request issues a correlated request and waits for its response, bounded
// by the per-language, per-operation timeout. A timed-out request sends a
// best-effort cancellation and vacates its pending slot immediately. A
// terminated client fails fast without any I/O.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.terminated.Load() {
		return nil, fmt.Errorf("%s: %w", c.language, ErrServerTerminated)
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()

	req := &Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.transport.WriteRequest(req); err != nil {
		c.removePending(id)
		if c.terminated.Load() {
			return nil, fmt.Errorf("%s: %w", c.language, ErrServerTerminated)
		}
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := c.rt.TimeoutFor(c.language, method)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("%s: %w", c.language, ErrServerTerminated)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.cancelRequest(id)
		return nil, fmt.Errorf("%s %s after %s: %w", c.language, method, timeout, ErrTimeout)
	case <-ctx.Done():
		c.cancelRequest(id)
		return nil, fmt.Errorf("%s %s: %w", c.language, method, ErrRequestCancelled)
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	if c.terminated.Load() {
		return fmt.Errorf("%s: %w", c.language, ErrServerTerminated)
	}
	return c.transport.WriteRequest(&Request{JSONRPC: "2.0", Method: method, Params: params})
}

// cancelRequest vacates the pending slot and tells the server to stop
// working on id. The slot is removed regardless of server acknowledgment.
func (c *Client) cancelRequest(id int64) {
	c.removePending(id)
	_ = c.Notify("$/cancelRequest", map[string]any{"id": id})
}

func (c *Client) removePending(id int64) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// markTerminated flips the terminated flag once, resolves every pending
// request with a termination error by closing its channel, and releases
// anyone blocked waiting for indexing.
func (c *Client) markTerminated() {
	if c.terminated.Swap(true) {
		return
	}
	c.pmu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.pmu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.indexing.NotifyTerminated()
	if len(pending) > 0 {
		c.log.WithField("count", len(pending)).Warn("resolved pending requests after termination")
	}
}

// readLoop reads frames off the subprocess stdout and feeds the
// dispatcher. Transport EOF or error means the server died.
func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			if !c.terminated.Load() {
				c.log.WithError(err).Debug("reader loop ended")
			}
			c.markTerminated()
			return
		}
		c.incoming <- msg
	}
}

// dispatchLoop is the single consumer of parsed messages; it owns all
// server-driven state updates.
func (c *Client) dispatchLoop() {
	for msg := range c.incoming {
		switch msg.Kind {
		case KindResponse:
			c.handleResponse(msg)
		case KindRequest:
			c.handleServerRequest(msg)
		case KindNotification:
			c.handleNotification(msg)
		}
	}
}

// handleResponse matches a response to its pending slot by id, tolerating
// servers that echo numeric ids back as strings.
func (c *Client) handleResponse(msg *Message) {
	id, ok := msg.NumericID()
	if !ok {
		c.log.Debug("response with unparseable id dropped")
		return
	}

	c.pmu.Lock()
	ch, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.pmu.Unlock()

	if !found {
		// Likely a request that already timed out and vacated its slot.
		c.log.WithField("id", id).Debug("response for unknown request id")
		return
	}
	ch <- &Response{JSONRPC: "2.0", ID: msg.ID, Result: msg.Result, Error: msg.Error}
}

// handleServerRequest answers server-initiated requests with static
// best-effort results.
func (c *Client) handleServerRequest(msg *Message) {
	resp := &Response{JSONRPC: "2.0", ID: msg.ID}

	switch msg.Method {
	case "workspace/configuration":
		// One empty configuration section per requested item.
		n := gjson.GetBytes(msg.Params, "items.#").Int()
		sections := make([]map[string]any, n)
		for i := range sections {
			sections[i] = map[string]any{}
		}
		data, _ := json.Marshal(sections)
		resp.Result = data
	case "client/registerCapability", "client/unregisterCapability", "window/workDoneProgress/create":
		resp.Result = json.RawMessage("null")
	default:
		c.log.WithField("method", msg.Method).Debug("unhandled server request")
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}

	if err := c.transport.WriteResponse(resp); err != nil {
		c.log.WithError(err).Debug("failed to answer server request")
	}
}

// handleNotification updates diagnostics, logs server messages, and drives
// the indexing state machine from readiness signals.
func (c *Client) handleNotification(msg *Message) {
	switch msg.Method {
	case "textDocument/publishDiagnostics":
		uri := gjson.GetBytes(msg.Params, "uri").String()
		diags := gjson.GetBytes(msg.Params, "diagnostics")
		if uri != "" && diags.Exists() {
			c.diags.store(uri, json.RawMessage(diags.Raw))
		}
	case "experimental/serverStatus":
		if gjson.GetBytes(msg.Params, "quiescent").Bool() {
			c.indexing.SetReady()
		}
	case "language/status":
		if gjson.GetBytes(msg.Params, "type").String() == "ProjectStatus" &&
			gjson.GetBytes(msg.Params, "message").String() == "OK" {
			c.indexing.SetReady()
		}
	case "$/progress":
		value := gjson.GetBytes(msg.Params, "value")
		if value.Get("kind").String() == "end" {
			title := strings.ToLower(value.Get("title").String())
			if strings.Contains(title, "index") || strings.Contains(title, "load") || strings.Contains(title, "analyz") {
				c.indexing.SetReady()
			}
		}
	case "window/logMessage", "window/showMessage":
		message := gjson.GetBytes(msg.Params, "message").String()
		if message == "" {
			return
		}
		if msg.Method == "window/logMessage" && isReadinessSignal(c.language, message) {
			c.indexing.SetReady()
		}
		c.logServerMessage(message, gjson.GetBytes(msg.Params, "type").Int())
	default:
		c.log.WithField("method", msg.Method).Trace("unhandled notification")
	}
}

// isReadinessSignal recognizes per-language log lines that mean the
// workspace index is usable; these servers emit no structured signal.
func isReadinessSignal(lang config.Language, message string) bool {
	switch lang {
	case config.LangPython:
		return strings.Contains(message, "Found") && strings.Contains(message, "source file")
	case config.LangTypeScript, config.LangJavaScript:
		return strings.Contains(message, "Loading completed") || strings.Contains(message, "project load finished")
	case config.LangJava:
		return strings.Contains(message, "initialized") || strings.Contains(message, "Initialized")
	default:
		return false
	}
}

// logServerMessage classifies by LSP MessageType, falling back to content,
// and drops known per-language noise.
func (c *Client) logServerMessage(message string, msgType int64) {
	lower := strings.ToLower(message)
	if isNoiseMessage(c.language, lower) {
		return
	}

	entry := c.log.WithField("server", true)
	switch msgType {
	case 1:
		entry.Error(message)
	case 2:
		entry.Warn(message)
	case 3:
		entry.Info(message)
	default:
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "exception"):
			entry.Error(message)
		case strings.Contains(lower, "warning") || strings.Contains(lower, "warn"):
			entry.Warn(message)
		default:
			entry.Debug(message)
		}
	}
}

// isNoiseMessage filters chatty startup output per language. msg must be
// lowercased.
func isNoiseMessage(lang config.Language, msg string) bool {
	switch lang {
	case config.LangRust:
		return strings.Contains(msg, "failed to find any projects") ||
			strings.Contains(msg, "failed to discover workspace")
	case config.LangTypeScript, config.LangJavaScript:
		return strings.Contains(msg, "loading typescript") ||
			strings.Contains(msg, "semantic check completed")
	case config.LangPython:
		return strings.Contains(msg, "background analysis") ||
			strings.Contains(msg, "indexing complete")
	case config.LangJava:
		return strings.Contains(msg, "build artifact") || strings.Contains(msg, "compilation unit")
	case config.LangKotlin:
		return strings.Contains(msg, "resolving dependencies") || strings.Contains(msg, "build scripts")
	default:
		return false
	}
}

// drainStderr forwards subprocess stderr lines to the debug log.
func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.log.WithField("stream", "stderr").Debug(scanner.Text())
	}
}

// SyncDocument idempotently synchronizes uri's content: an unseen uri is
// opened, changed content produces an incremental change with a version
// bump, unchanged content is a no-op. Opens and changes invalidate a
// usable indexing state, since new content may affect cross-file analysis.
func (c *Client) SyncDocument(ctx context.Context, uri, content string) error {
	return c.syncDocument(ctx, uri, content, false)
}

// AcquireDocument is SyncDocument plus a reference pinning the document
// against eviction. Every acquisition must be paired with an explicit
// ReleaseDocument on all exit paths.
func (c *Client) AcquireDocument(ctx context.Context, uri, content string) error {
	return c.syncDocument(ctx, uri, content, true)
}

func (c *Client) syncDocument(_ context.Context, uri, content string, acquire bool) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	action := c.docs.sync(uri, content, acquire)
	switch {
	case action.open:
		c.indexing.Invalidate()
		err := c.Notify("textDocument/didOpen", map[string]any{
			"textDocument": map[string]any{
				"uri":        uri,
				"languageId": string(c.language),
				"version":    action.version,
				"text":       content,
			},
		})
		if err != nil {
			return err
		}
	case action.change:
		c.indexing.Invalidate()
		err := c.Notify("textDocument/didChange", map[string]any{
			"textDocument":   map[string]any{"uri": uri, "version": action.version},
			"contentChanges": []map[string]any{{"text": content}},
		})
		if err != nil {
			return err
		}
	}

	if action.evictedURI != "" {
		_ = c.Notify("textDocument/didClose", map[string]any{
			"textDocument": map[string]any{"uri": action.evictedURI},
		})
	}
	return nil
}

// ReleaseDocument drops one reference; the close notification is emitted
// only when the count returns to zero.
func (c *Client) ReleaseDocument(uri string) {
	if c.docs.release(uri) {
		_ = c.Notify("textDocument/didClose", map[string]any{
			"textDocument": map[string]any{"uri": uri},
		})
	}
}

// CloseDocument closes uri unconditionally.
func (c *Client) CloseDocument(uri string) error {
	c.docs.remove(uri)
	return c.Notify("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
}

// Diagnostics returns the cached diagnostics for uri.
func (c *Client) Diagnostics(uri string) []Diagnostic {
	return c.diags.get(uri)
}

// IndexingState returns the current indexing state.
func (c *Client) IndexingState() IndexingState {
	return c.indexing.State()
}

// WaitForIndexing blocks until the workspace is usable, racing readiness
// signals against the per-language bound. The result is always Ready or
// TimedOut; both permit proceeding.
func (c *Client) WaitForIndexing(ctx context.Context) IndexingState {
	return c.indexing.Wait(ctx, c.rt.IndexingWait(c.language))
}

// EnsureCrossFileReady applies the one-shot extra delay for servers whose
// cross-file index lags their readiness signal. Idempotent.
func (c *Client) EnsureCrossFileReady(ctx context.Context) {
	if !c.crossFileWaited.CompareAndSwap(false, true) {
		return
	}
	wait := c.rt.CrossFileWait(c.language)
	if wait <= 0 {
		return
	}
	c.log.WithField("wait", wait).Debug("waiting for cross-file indexing")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Shutdown performs three-stage graceful termination: a bounded LSP
// shutdown request plus exit notification, closing the write half, then a
// bounded wait for process exit with a force kill as last resort. All
// pending requests resolve with a termination error.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.terminated.Load() {
		sctx, cancel := context.WithTimeout(ctx, shutdownRequestTimeout)
		if _, err := c.Request(sctx, "shutdown", nil); err == nil {
			_ = c.Notify("exit", nil)
		}
		cancel()
	}

	// Close the write half to signal EOF.
	_ = c.stdin.Close()

	select {
	case <-c.procDone:
	case <-time.After(shutdownKillTimeout):
		if c.cmd != nil {
			c.log.Warn("server did not exit, killing")
			_ = c.cmd.Process.Kill()
			<-c.procDone
		}
	}

	c.markTerminated()
	c.log.Info("language server stopped")
	return nil
}
