package lsp

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", fmt.Errorf("hover: %w", ErrTimeout), CodeTimeout},
		{"terminated", ErrServerTerminated, CodeServerTerminated},
		{"not connected", ErrNotConnected, CodeNotConnected},
		{"cancelled", ErrRequestCancelled, CodeRequestCancelled},
		{"rpc passthrough", &RPCError{Code: CodeMethodNotFound, Message: "x"}, CodeMethodNotFound},
		{"plain", errors.New("boom"), CodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNeedsRestart(t *testing.T) {
	if !NeedsRestart(fmt.Errorf("x: %w", ErrServerTerminated)) {
		t.Error("terminated server must trigger a restart")
	}
	if !NeedsRestart(ErrNotConnected) {
		t.Error("lost connection must trigger a restart")
	}
	if NeedsRestart(fmt.Errorf("x: %w", ErrTimeout)) {
		t.Error("a timeout alone must not restart the server")
	}
}

func TestFriendlyServerError(t *testing.T) {
	err := FriendlyServerError("rust", "textDocument/rename", &RPCError{Code: CodeMethodNotFound, Message: "unhandled"})
	var unsupported *FeatureNotSupportedError
	if !errors.As(err, &unsupported) {
		t.Fatalf("error = %v, want FeatureNotSupportedError", err)
	}
	if unsupported.Language != "rust" || unsupported.Feature != "textDocument/rename" {
		t.Errorf("error = %+v", unsupported)
	}

	err = FriendlyServerError("go", "textDocument/hover", &RPCError{Code: CodeServerNotInitialized, Message: "starting"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("not-initialized error = %v, want wrapped ErrNotConnected", err)
	}
}

func TestNotInstalledError_Message(t *testing.T) {
	err := &NotInstalledError{Server: "gopls", InstallHint: "go install golang.org/x/tools/gopls@latest"}
	msg := err.Error()
	if !strings.Contains(msg, "gopls") || !strings.Contains(msg, "go install") {
		t.Errorf("Error() = %q, want server name and install hint", msg)
	}
}

func TestServerStartError_Unwrap(t *testing.T) {
	inner := errors.New("exec failed")
	err := &ServerStartError{Language: "zig", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ServerStartError must unwrap to the cause")
	}
}
