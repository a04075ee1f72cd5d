package lsp

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors returned by the LSP engine.
var (
	// ErrNotConnected indicates the client has no live server connection.
	ErrNotConnected = errors.New("language server not connected")

	// ErrServerTerminated indicates the server process died with requests in flight.
	ErrServerTerminated = errors.New("language server terminated")

	// ErrTimeout indicates a request timed out.
	ErrTimeout = errors.New("request timed out")

	// ErrRequestCancelled indicates a request was cancelled.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrUnsupportedLanguage indicates no server is configured for the language.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrShutdown indicates the client has been shut down.
	ErrShutdown = errors.New("client shut down")

	// ErrInvalidMessage indicates a malformed frame from the server.
	ErrInvalidMessage = errors.New("invalid message from server")
)

// Standard JSON-RPC error codes, plus the domain codes surfaced on the
// daemon wire protocol.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801

	CodeServerError      = -32000
	CodeTimeout          = -32001
	CodeNotConnected     = -32003
	CodeServerTerminated = -32099
)

// RPCError represents a JSON-RPC error object from a server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerStartError indicates the subprocess could not be spawned or failed
// its handshake.
type ServerStartError struct {
	Language string
	Err      error
}

func (e *ServerStartError) Error() string {
	return fmt.Sprintf("failed to start %s language server: %v", e.Language, e.Err)
}

func (e *ServerStartError) Unwrap() error { return e.Err }

// NotInstalledError indicates the server binary is missing. InstallHint
// carries the platform-appropriate install command for the caller.
type NotInstalledError struct {
	Server      string
	InstallHint string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("language server not installed: %s (install: %s)", e.Server, e.InstallHint)
}

// FeatureNotSupportedError indicates the server rejected a method it does
// not implement.
type FeatureNotSupportedError struct {
	Language   string
	Feature    string
	Suggestion string
}

func (e *FeatureNotSupportedError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s server does not support %s; %s", e.Language, e.Feature, e.Suggestion)
	}
	return fmt.Sprintf("%s server does not support %s", e.Language, e.Feature)
}

// FileTooLargeError guards against reading oversized files into memory.
type FileTooLargeError struct {
	Path  string
	Size  int64
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file too large: %s (%d bytes, limit %d)", e.Path, e.Size, e.Limit)
}

// ErrorCode maps an engine error to its wire error code.
func ErrorCode(err error) int {
	var rpcErr *RPCError
	switch {
	case errors.Is(err, ErrServerTerminated):
		return CodeServerTerminated
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrRequestCancelled):
		return CodeRequestCancelled
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	default:
		return CodeServerError
	}
}

// IsRecoverable reports whether a retry may succeed: timeouts, disconnects,
// terminations, and cancellations are transient; everything else aborts
// immediately.
func IsRecoverable(err error) bool {
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrServerTerminated) ||
		errors.Is(err, ErrRequestCancelled) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return isShutdownMessage(rpcErr.Message) || rpcErr.Code == CodeRequestCancelled
	}
	return false
}

// NeedsRestart reports whether the error implies the subprocess is dead and
// the next access should respawn it.
func NeedsRestart(err error) bool {
	return errors.Is(err, ErrServerTerminated) || errors.Is(err, ErrNotConnected)
}

func isShutdownMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "shutdown") || strings.Contains(lower, "server stopped")
}

// FriendlyServerError translates raw server RPC errors into actionable
// engine errors where a better message exists.
func FriendlyServerError(language string, feature string, err *RPCError) error {
	switch err.Code {
	case CodeMethodNotFound:
		return &FeatureNotSupportedError{
			Language:   language,
			Feature:    feature,
			Suggestion: "the server may need a newer version or the feature is unavailable for this project",
		}
	case CodeServerNotInitialized:
		return fmt.Errorf("%s server still initializing: %w", language, ErrNotConnected)
	case CodeInternalError, CodeContentModified:
		return fmt.Errorf("%s server internal error on %s: %w", language, feature, err)
	default:
		return err
	}
}
