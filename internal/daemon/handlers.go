package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/junyeong-ai/symora-sub000/internal/config"
	"github.com/junyeong-ai/symora-sub000/internal/lsp"
)

// diagnosticsSettle is how long the diagnostics handler waits for a
// server to publish after document sync.
const diagnosticsSettle = 2 * time.Second

// syncedDoc is a document admitted into a project, synced to its client,
// and pinned for the duration of one request.
type syncedDoc struct {
	pc      *projectContext
	lang    config.Language
	path    string
	uri     string
	content string
}

// openDocument resolves, reads, and classifies a project file. The actual
// sync happens per attempt inside the retry loop, because a respawned
// client starts with an empty document set.
func (s *Server) openDocument(project, file string) (*syncedDoc, *projectContext, error) {
	pc, err := s.project(project)
	if err != nil {
		return nil, nil, err
	}
	path, err := pc.resolveFile(file, s.rt.MaxFileSize)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", file, err)
	}
	lang := config.LanguageForPath(path)
	if lang == config.LangUnknown {
		return nil, nil, fmt.Errorf("%s: %w", file, lsp.ErrUnsupportedLanguage)
	}
	return &syncedDoc{
		pc:      pc,
		lang:    lang,
		path:    path,
		uri:     lsp.PathToURI(path),
		content: string(content),
	}, pc, nil
}

// lspPosition converts the protocol's 1-based line/column to LSP's
// 0-based position.
func lspPosition(line, column int) lsp.Position {
	return lsp.Position{Line: max(line-1, 0), Character: max(column-1, 0)}
}

// withDocument runs op against the document's language client with the
// document acquired, the index usable, and the project's admission slot
// held. Cross-file delays apply only to the operations that need a
// settled workspace index.
func (s *Server) withDocument(ctx context.Context, doc *syncedDoc, lspMethod string, op func(context.Context, *lsp.Client) (json.RawMessage, error)) (json.RawMessage, error) {
	release, err := doc.pc.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := doc.pc.manager.ExecuteWithRetry(ctx, doc.lang, func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		if err := client.AcquireDocument(ctx, doc.uri, doc.content); err != nil {
			return nil, err
		}
		defer client.ReleaseDocument(doc.uri)

		client.WaitForIndexing(ctx)
		switch config.OperationFor(lspMethod) {
		case config.OpWorkspace, config.OpRename:
			client.EnsureCrossFileReady(ctx)
		}
		return op(ctx, client)
	})
	return result, friendly(doc.lang, lspMethod, err)
}

// friendly upgrades raw server RPC errors to actionable ones.
func friendly(lang config.Language, feature string, err error) error {
	var rpcErr *lsp.RPCError
	if errors.As(err, &rpcErr) {
		return lsp.FriendlyServerError(string(lang), feature, rpcErr)
	}
	return err
}

// positionQuery is the common path for single-request position methods.
func (s *Server) positionQuery(ctx context.Context, raw []byte, lspMethod string) (json.RawMessage, error) {
	var params PositionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, lspMethod, func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, lspMethod, lsp.TextDocumentPositionParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: doc.uri},
			Position:     lspPosition(params.Line, params.Column),
		})
	})
}

func (s *Server) findRefs(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params PositionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, "textDocument/references", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, "textDocument/references", map[string]any{
			"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
			"position":     lspPosition(params.Line, params.Column),
			"context":      map[string]any{"includeDeclaration": true},
		})
	})
}

// findSymbol returns the file's symbol outline, memoized by content hash.
func (s *Server) findSymbol(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params FileParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, pc, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}

	key := lsp.SymbolCacheKey(doc.path, doc.content)
	return pc.manager.Symbols().GetOrCompute(key, func() (json.RawMessage, error) {
		return s.withDocument(ctx, doc, "textDocument/documentSymbol", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
			return client.Request(ctx, "textDocument/documentSymbol", map[string]any{
				"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
			})
		})
	})
}

// workspaceSymbol queries project-wide symbols for one language, memoized
// per server generation.
func (s *Server) workspaceSymbol(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params QueryParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	lang := config.Language(params.Language)
	if lang == config.LangUnknown {
		return nil, fmt.Errorf("workspace_symbol: %w", lsp.ErrUnsupportedLanguage)
	}
	pc, err := s.project(params.Project)
	if err != nil {
		return nil, err
	}

	if cached, ok := pc.manager.WorkspaceSymbols().Get(params.Language, params.Query); ok {
		return cached, nil
	}
	generation := pc.manager.WorkspaceSymbols().Generation()

	release, err := pc.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := pc.manager.ExecuteWithRetry(ctx, lang, func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		client.WaitForIndexing(ctx)
		client.EnsureCrossFileReady(ctx)
		return client.Request(ctx, "workspace/symbol", map[string]any{"query": params.Query})
	})
	if err != nil {
		return nil, friendly(lang, "workspace/symbol", err)
	}
	pc.manager.WorkspaceSymbols().Put(generation, params.Language, params.Query, result)
	return result, nil
}

// diagnostics syncs the file and returns what the server has published,
// allowing a short settle window for the publish to arrive.
func (s *Server) diagnostics(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params FileParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, "textDocument/diagnostic", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		deadline := time.Now().Add(diagnosticsSettle)
		for {
			if diags := client.Diagnostics(doc.uri); diags != nil {
				return mustRaw(diags), nil
			}
			if time.Now().After(deadline) || ctx.Err() != nil {
				return mustRaw([]lsp.Diagnostic{}), nil
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
}

// hierarchyQuery covers the two-step call/type hierarchy methods: prepare
// at a position, then expand the first returned item.
func (s *Server) hierarchyQuery(ctx context.Context, raw []byte, prepareMethod, expandMethod string) (json.RawMessage, error) {
	var params PositionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, expandMethod, func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		items, err := client.Request(ctx, prepareMethod, lsp.TextDocumentPositionParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: doc.uri},
			Position:     lspPosition(params.Line, params.Column),
		})
		if err != nil {
			return nil, err
		}
		first := gjson.GetBytes(items, "0")
		if !first.Exists() {
			return json.RawMessage("[]"), nil
		}
		return client.Request(ctx, expandMethod, map[string]any{
			"item": json.RawMessage(first.Raw),
		})
	})
}

func (s *Server) rename(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params RenameParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.NewName == "" {
		return nil, fmt.Errorf("rename: missing new_name")
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, "textDocument/rename", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, "textDocument/rename", map[string]any{
			"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
			"position":     lspPosition(params.Line, params.Column),
			"newName":      params.NewName,
		})
	})
}

// codeActionsAt fetches the action list for a position.
func (s *Server) codeActionsAt(ctx context.Context, doc *syncedDoc, params PositionParams) (json.RawMessage, error) {
	return s.withDocument(ctx, doc, "textDocument/codeAction", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		pos := lspPosition(params.Line, params.Column)
		return client.Request(ctx, "textDocument/codeAction", map[string]any{
			"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
			"range":        lsp.Range{Start: pos, End: pos},
			"context":      map[string]any{"diagnostics": []any{}},
		})
	})
}

func (s *Server) codeActions(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params PositionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.codeActionsAt(ctx, doc, params)
}

// applyCodeAction resolves an action by title (or takes the first) and
// executes its command when it has one; actions that are pure workspace
// edits are returned for the caller to apply.
func (s *Server) applyCodeAction(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params CodeActionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}

	actions, err := s.codeActionsAt(ctx, doc, params.PositionParams)
	if err != nil {
		return nil, err
	}

	selected := gjson.GetBytes(actions, "0")
	if params.Title != "" {
		selected = gjson.Result{}
		gjson.ParseBytes(actions).ForEach(func(_, action gjson.Result) bool {
			if action.Get("title").String() == params.Title {
				selected = action
				return false
			}
			return true
		})
	}
	if !selected.Exists() {
		return nil, fmt.Errorf("apply_code_action: no action matching %q", params.Title)
	}

	// A CodeAction may embed a Command object, the entry may itself be a
	// bare Command, or it may carry only a workspace edit.
	var name, args string
	command := selected.Get("command")
	switch {
	case command.IsObject():
		name = command.Get("command").String()
		args = argumentsRaw(command)
	case command.Type == gjson.String:
		name = command.String()
		args = argumentsRaw(selected)
	default:
		// Pure edit: hand the action back for the caller to apply.
		return json.RawMessage(selected.Raw), nil
	}
	return s.withDocument(ctx, doc, "workspace/executeCommand", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, "workspace/executeCommand", map[string]any{
			"command":   name,
			"arguments": json.RawMessage(args),
		})
	})
}

func argumentsRaw(command gjson.Result) string {
	if args := command.Get("arguments"); args.Exists() {
		return args.Raw
	}
	return "[]"
}

func (s *Server) inlayHints(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params RangeParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}

	endLine := params.EndLine
	if endLine <= 0 {
		endLine = 1 << 20 // servers clamp to the document
	}
	return s.withDocument(ctx, doc, "textDocument/inlayHint", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, "textDocument/inlayHint", map[string]any{
			"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
			"range": lsp.Range{
				Start: lsp.Position{Line: max(params.StartLine-1, 0)},
				End:   lsp.Position{Line: endLine},
			},
		})
	})
}

// fileQuery covers whole-file methods whose params are just the document.
func (s *Server) fileQuery(ctx context.Context, raw []byte, lspMethod string) (json.RawMessage, error) {
	var params FileParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, lspMethod, func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, lspMethod, map[string]any{
			"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
		})
	})
}

func (s *Server) selectionRanges(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var params PositionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	doc, _, err := s.openDocument(params.Project, params.File)
	if err != nil {
		return nil, err
	}
	return s.withDocument(ctx, doc, "textDocument/selectionRange", func(ctx context.Context, client *lsp.Client) (json.RawMessage, error) {
		return client.Request(ctx, "textDocument/selectionRange", map[string]any{
			"textDocument": lsp.TextDocumentIdentifier{URI: doc.uri},
			"positions":    []lsp.Position{lspPosition(params.Line, params.Column)},
		})
	})
}
