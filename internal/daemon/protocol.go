package daemon

import (
	"encoding/json"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/junyeong-ai/symora-sub000/internal/lsp"
)

// Daemon RPC methods. The wire protocol is newline-delimited JSON-RPC 2.0
// over a unix socket; every request carries a "project" param naming the
// workspace root it targets.
const (
	MethodPing     = "ping"
	MethodStatus   = "status"
	MethodShutdown = "shutdown"

	MethodFindSymbol      = "find_symbol"
	MethodWorkspaceSymbol = "workspace_symbol"
	MethodFindRefs        = "find_refs"
	MethodFindDef         = "find_def"
	MethodFindTypeDef     = "find_typedef"
	MethodFindImpl        = "find_impl"
	MethodHover           = "hover"
	MethodSignatureHelp   = "signature_help"
	MethodDiagnostics     = "diagnostics"
	MethodCallsIncoming   = "calls_incoming"
	MethodCallsOutgoing   = "calls_outgoing"
	MethodSupertypes      = "supertypes"
	MethodSubtypes        = "subtypes"
	MethodInlayHints      = "inlay_hints"
	MethodFoldingRanges   = "folding_ranges"
	MethodSelectionRanges = "selection_ranges"
	MethodCodeLens        = "code_lens"
	MethodCodeActions     = "code_actions"
	MethodApplyCodeAction = "apply_code_action"
	MethodPrepareRename   = "prepare_rename"
	MethodRename          = "rename"
)

// PositionParams targets a 1-based line/column in a project file. File may
// be relative to the project root.
type PositionParams struct {
	Project string `json:"project"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

// FileParams targets a whole file.
type FileParams struct {
	Project string `json:"project"`
	File    string `json:"file"`
}

// QueryParams is a workspace-wide symbol query for one language.
type QueryParams struct {
	Project  string `json:"project"`
	Language string `json:"language"`
	Query    string `json:"query"`
}

// RenameParams renames the symbol at a position.
type RenameParams struct {
	PositionParams
	NewName string `json:"new_name"`
}

// RangeParams targets a 1-based line range in a file; a zero EndLine means
// end of file.
type RangeParams struct {
	Project   string `json:"project"`
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// CodeActionParams selects an action at a position, optionally by title.
type CodeActionParams struct {
	PositionParams
	Title string `json:"title,omitempty"`
}

// StatusResult is the daemon's self-report.
type StatusResult struct {
	Running        bool            `json:"running"`
	Pid            int             `json:"pid"`
	UptimeSecs     int64           `json:"uptime_secs"`
	SocketPath     string          `json:"socket_path"`
	RequestsServed int64           `json:"requests_served"`
	Projects       []ProjectStatus `json:"projects"`
}

// ProjectStatus reports one active project context.
type ProjectStatus struct {
	Root           string             `json:"root"`
	RequestsServed int64              `json:"requests_served"`
	IdleSecs       int64              `json:"idle_secs"`
	Servers        []lsp.ServerStatus `json:"servers"`
}

// notInstalledData is the structured payload attached to a
// server-not-installed error so callers can print the install hint.
type notInstalledData struct {
	Server      string `json:"server"`
	InstallHint string `json:"install_hint"`
}

// rpcError maps internal errors onto wire error codes. A missing server
// carries {server, install_hint} data; everything else maps by error kind
// with a generic server-error fallback.
func rpcError(err error) *jsonrpc2.Error {
	var notInstalled *lsp.NotInstalledError
	if errors.As(err, &notInstalled) {
		wire := &jsonrpc2.Error{Code: lsp.CodeServerError, Message: err.Error()}
		wire.SetError(notInstalledData{
			Server:      notInstalled.Server,
			InstallHint: notInstalled.InstallHint,
		})
		return wire
	}
	return &jsonrpc2.Error{Code: int64(lsp.ErrorCode(err)), Message: err.Error()}
}

// mustRaw marshals v, panicking on programmer error; results built here
// are always marshalable shapes.
func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
