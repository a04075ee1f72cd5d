package lsp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/tidwall/gjson"
)

// Request represents a JSON-RPC 2.0 request. Notifications are requests
// without an ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageKind classifies an incoming frame.
type MessageKind int

// Frame kinds.
const (
	KindResponse MessageKind = iota
	KindRequest
	KindNotification
)

// Message is one parsed frame from a server: a response to one of our
// requests, a server-initiated request, or a notification.
type Message struct {
	Kind   MessageKind
	Raw    json.RawMessage
	Method string
	Params json.RawMessage
	ID     json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// ParseMessage classifies a raw frame by the presence of method and id:
// both mean a server-initiated request, id alone a response, method alone a
// notification.
func ParseMessage(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidMessage
	}
	body := gjson.ParseBytes(data)
	idField := body.Get("id")
	methodField := body.Get("method")

	msg := &Message{Raw: data}
	switch {
	case idField.Exists() && methodField.Exists():
		msg.Kind = KindRequest
	case idField.Exists():
		msg.Kind = KindResponse
	case methodField.Exists():
		msg.Kind = KindNotification
	default:
		return nil, ErrInvalidMessage
	}

	msg.Method = methodField.String()
	if p := body.Get("params"); p.Exists() {
		msg.Params = json.RawMessage(p.Raw)
	}
	if idField.Exists() {
		msg.ID = json.RawMessage(idField.Raw)
	}
	if msg.Kind == KindResponse {
		if r := body.Get("result"); r.Exists() {
			msg.Result = json.RawMessage(r.Raw)
		}
		if e := body.Get("error"); e.Exists() {
			var rpcErr RPCError
			if err := json.Unmarshal([]byte(e.Raw), &rpcErr); err == nil {
				msg.Error = &rpcErr
			}
		}
	}
	return msg, nil
}

// NumericID coerces the frame's id to an int64. Some servers echo numeric
// ids back as strings; both forms are accepted.
func (m *Message) NumericID() (int64, bool) {
	id := gjson.ParseBytes(m.ID)
	switch id.Type {
	case gjson.Number:
		return id.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(id.Str, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// PathToURI converts a file path to a file:// URI.
func PathToURI(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(absPath)}
	return u.String()
}

// URIToPath converts a file:// URI back to a native file path.
func URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: not a file URI: %s", ErrInvalidMessage, uri)
	}
	decoded, err := url.PathUnescape(u.Path)
	if err != nil {
		return "", err
	}
	return filepath.FromSlash(decoded), nil
}

// Position is a zero-indexed line/character location.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a start/end position pair.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier names a document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentPositionParams is the common (document, position) parameter
// shape shared by most position-based requests.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// Location is a document range in the LSP wire format.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Diagnostic is one published diagnostic.
type Diagnostic struct {
	Range    Range           `json:"range"`
	Severity int             `json:"severity,omitempty"`
	Code     json.RawMessage `json:"code,omitempty"`
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message"`
}
