// Package lsp implements the language server multiplexing engine: JSON-RPC
// transport framing, per-language client lifecycle, request correlation with
// timeout and cancellation, reference-counted document synchronization,
// workspace indexing tracking, health monitoring, and retry policy.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Transport: LSP base protocol framing (Content-Length headers)
//   - Client: one language server subprocess; correlation, documents, indexing
//   - Manager: race-safe per-language client registry with idle reaping
//   - HealthMonitor: threshold-based liveness probing and restart
//   - RetryPolicy: deterministic exponential backoff for recoverable errors
//
// # Lifecycle
//
// Clients are started lazily on first demand for a language and shut down
// explicitly, by restart, or implicitly when subprocess death is detected.
// Process death resolves every in-flight request with a termination error and
// removes the client from the registry so the next access respawns it.
//
// # Thread Safety
//
// Client and Manager are safe for concurrent use. Locks are short-lived and
// never held across subprocess I/O.
package lsp
