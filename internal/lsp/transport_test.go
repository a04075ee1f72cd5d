package lsp

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestTransport_WriteRequestFraming(t *testing.T) {
	var buf strings.Builder
	tr := NewTransport(strings.NewReader(""), &buf)

	id := int64(7)
	err := tr.WriteRequest(&Request{JSONRPC: "2.0", ID: &id, Method: "textDocument/hover", Params: map[string]string{"x": "y"}})
	if err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "Content-Length: ") {
		t.Fatalf("missing Content-Length header in %q", out)
	}
	if !strings.Contains(out, "\r\n\r\n") {
		t.Fatalf("missing header terminator in %q", out)
	}
	body := out[strings.Index(out, "\r\n\r\n")+4:]
	var declared int
	if _, err := fmt.Sscanf(out, "Content-Length: %d", &declared); err != nil {
		t.Fatalf("unparseable header in %q", out)
	}
	if declared != len(body) {
		t.Errorf("Content-Length = %d, body is %d bytes", declared, len(body))
	}
	if !strings.Contains(body, `"method":"textDocument/hover"`) {
		t.Errorf("body missing method: %s", body)
	}
	if !strings.Contains(body, `"id":7`) {
		t.Errorf("body missing id: %s", body)
	}
}

func TestTransport_NotificationOmitsID(t *testing.T) {
	var buf strings.Builder
	tr := NewTransport(strings.NewReader(""), &buf)

	if err := tr.WriteRequest(&Request{JSONRPC: "2.0", Method: "initialized", Params: map[string]any{}}); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
	if strings.Contains(buf.String(), `"id"`) {
		t.Errorf("notification must not carry an id: %s", buf.String())
	}
}

func TestTransport_ReadMessage(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`
	framed := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)

	tr := NewTransport(strings.NewReader(framed), io.Discard)
	msg, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.Kind != KindResponse {
		t.Errorf("Kind = %v, want KindResponse", msg.Kind)
	}
	id, ok := msg.NumericID()
	if !ok || id != 3 {
		t.Errorf("NumericID() = %d, %v, want 3, true", id, ok)
	}
}

func TestTransport_ReadMessageExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"initialized"}`
	framed := fmt.Sprintf("Content-Type: application/vscode-jsonrpc\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	tr := NewTransport(strings.NewReader(framed), io.Discard)
	msg, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.Method != "initialized" {
		t.Errorf("Method = %q, want initialized", msg.Method)
	}
}

func TestTransport_ReadMessageMissingContentLength(t *testing.T) {
	tr := NewTransport(strings.NewReader("Content-Type: application/json\r\n\r\n{}"), io.Discard)
	if _, err := tr.ReadMessage(); err == nil {
		t.Fatal("expected error for frame without Content-Length")
	}
}

func TestTransport_ReadMessageEOF(t *testing.T) {
	tr := NewTransport(strings.NewReader(""), io.Discard)
	if _, err := tr.ReadMessage(); err != io.EOF {
		t.Fatalf("ReadMessage() error = %v, want io.EOF", err)
	}
}

func TestTransport_ConcurrentWritesDoNotInterleave(t *testing.T) {
	r, w := io.Pipe()
	tr := NewTransport(strings.NewReader(""), w)
	reader := NewTransport(r, io.Discard)

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perWriter {
				id := int64(i*perWriter + j)
				_ = tr.WriteRequest(&Request{JSONRPC: "2.0", ID: &id, Method: "test/echo"})
			}
		}()
	}
	go func() {
		wg.Wait()
		w.Close()
	}()

	seen := 0
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			break
		}
		if msg.Method != "test/echo" {
			t.Fatalf("corrupted frame: method %q", msg.Method)
		}
		seen++
	}
	if seen != writers*perWriter {
		t.Errorf("read %d intact frames, want %d", seen, writers*perWriter)
	}
}
