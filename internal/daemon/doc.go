// Package daemon provides the background language intelligence server
// and its client.
//
// The daemon owns every language server subprocess and multiplexes them
// across project roots: each canonical root gets an isolated context with
// its own client manager, result caches, and admission semaphore. CLI
// invocations are thin clients that dial the unix socket per request and
// auto-start the daemon under a file lock when nothing answers.
//
// The wire protocol is JSON-RPC 2.0, one object per line, which keeps the
// client side implementable with nothing but a socket and a JSON codec.
package daemon
