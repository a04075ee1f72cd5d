package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Transport implements the LSP base protocol framing over a subprocess's
// stdio: each message is a JSON body prefixed with a Content-Length header.
// Reads happen from a single goroutine; writes are serialized internally so
// concurrent senders cannot interleave frames.
type Transport struct {
	reader *bufio.Reader

	wmu    sync.Mutex
	writer io.Writer
}

// NewTransport creates a transport reading from r (server stdout) and
// writing to w (server stdin).
func NewTransport(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
	}
}

// ReadMessage reads and classifies one framed message. It returns the
// underlying I/O error on EOF or closed pipe, which callers treat as
// server termination.
func (t *Transport) ReadMessage() (*Message, error) {
	body, err := t.readFrame()
	if err != nil {
		return nil, err
	}
	return ParseMessage(body)
}

// readFrame reads header lines until a blank line, then exactly
// Content-Length bytes of body.
func (t *Transport) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // end of headers
		}
		if rest, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			length, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return nil, fmt.Errorf("%w: bad Content-Length %q", ErrInvalidMessage, line)
			}
			contentLength = length
		}
		// Ignore Content-Type and any other headers.
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", ErrInvalidMessage)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// WriteRequest writes a request (or, with a nil ID, a notification).
func (t *Transport) WriteRequest(req *Request) error {
	return t.writeJSON(req)
}

// WriteResponse answers a server-initiated request.
func (t *Transport) WriteResponse(resp *Response) error {
	return t.writeJSON(resp)
}

// writeJSON serializes msg and writes header plus body as one guarded
// write, so frames from concurrent senders never interleave.
func (t *Transport) writeJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := fmt.Fprintf(t.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}
