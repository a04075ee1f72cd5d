package lsp

import (
	"container/list"
	"crypto/sha256"
	"encoding/json"
	"sync"
)

// Cache capacities.
const (
	// MaxOpenDocuments bounds documents held open per client.
	MaxOpenDocuments = 100

	// MaxDiagnosticsCache bounds URIs with cached diagnostics per client.
	MaxDiagnosticsCache = 200
)

// documentState tracks one synced document: a monotonically increasing
// version, the content hash used to detect changes, and a reference count
// pinning it against eviction.
type documentState struct {
	version  int
	hash     [sha256.Size]byte
	refCount int
	elem     *list.Element
}

// needsUpdate reports whether content differs from the synced version.
func (d *documentState) needsUpdate(content string) bool {
	return d.hash != sha256.Sum256([]byte(content))
}

// update records new content and bumps the version.
func (d *documentState) update(content string) {
	d.hash = sha256.Sum256([]byte(content))
	d.version++
}

// documentCache is an LRU over open documents. Entries with a nonzero
// reference count are never evicted; insertion evicts the least recently
// used unreferenced entry once capacity is exceeded.
type documentCache struct {
	mu       sync.Mutex
	capacity int
	docs     map[string]*documentState
	order    *list.List // front = most recently used, values are URIs
}

func newDocumentCache(capacity int) *documentCache {
	return &documentCache{
		capacity: capacity,
		docs:     make(map[string]*documentState),
		order:    list.New(),
	}
}

// syncAction describes what the client must send to the server for one
// sync or acquire call.
type syncAction struct {
	open       bool
	change     bool
	version    int
	evictedURI string
}

// sync applies the idempotent sync protocol for uri under one lock hold:
// unseen content opens, changed content bumps the version, unchanged
// content only refreshes recency. When acquire is set the entry's
// reference count is incremented.
func (c *documentCache) sync(uri, content string, acquire bool) syncAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.docs[uri]; ok {
		if acquire {
			state.refCount++
		}
		c.order.MoveToFront(state.elem)
		if state.needsUpdate(content) {
			state.update(content)
			return syncAction{change: true, version: state.version}
		}
		return syncAction{version: state.version}
	}

	state := &documentState{version: 1, hash: sha256.Sum256([]byte(content))}
	if acquire {
		state.refCount = 1
	}
	state.elem = c.order.PushFront(uri)
	c.docs[uri] = state

	action := syncAction{open: true, version: state.version}
	if len(c.docs) > c.capacity {
		action.evictedURI = c.evictOldest()
	}
	return action
}

// evictOldest removes the least recently used unreferenced entry and
// returns its URI, or "" when every entry is pinned.
func (c *documentCache) evictOldest() string {
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		uri := elem.Value.(string)
		if state := c.docs[uri]; state.refCount == 0 {
			c.order.Remove(elem)
			delete(c.docs, uri)
			return uri
		}
	}
	return ""
}

// release decrements uri's reference count and reports whether the entry
// reached zero and was removed, meaning the caller must close it.
func (c *documentCache) release(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.docs[uri]
	if !ok || state.refCount == 0 {
		return false
	}
	state.refCount--
	if state.refCount > 0 {
		return false
	}
	c.order.Remove(state.elem)
	delete(c.docs, uri)
	return true
}

// remove drops uri unconditionally, reporting whether it was present.
func (c *documentCache) remove(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.docs[uri]
	if !ok {
		return false
	}
	c.order.Remove(state.elem)
	delete(c.docs, uri)
	return true
}

// contains reports whether uri is currently open.
func (c *documentCache) contains(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[uri]
	return ok
}

// refCount returns uri's current reference count.
func (c *documentCache) refCount(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.docs[uri]; ok {
		return state.refCount
	}
	return 0
}

// uris returns the open document URIs, most recently used first.
func (c *documentCache) uris() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(string))
	}
	return out
}

func (c *documentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// diagnosticsCache stores the latest published diagnostics per URI with
// FIFO eviction once capacity is reached.
type diagnosticsCache struct {
	mu       sync.Mutex
	capacity int
	diags    map[string][]Diagnostic
	order    []string
}

func newDiagnosticsCache(capacity int) *diagnosticsCache {
	return &diagnosticsCache{
		capacity: capacity,
		diags:    make(map[string][]Diagnostic),
	}
}

// store replaces uri's diagnostics, evicting the oldest URI when inserting
// a new one at capacity.
func (c *diagnosticsCache) store(uri string, raw json.RawMessage) {
	var diags []Diagnostic
	if err := json.Unmarshal(raw, &diags); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.diags[uri]; !exists {
		if len(c.diags) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.diags, oldest)
		}
		c.order = append(c.order, uri)
	}
	c.diags[uri] = diags
}

// get returns the cached diagnostics for uri.
func (c *diagnosticsCache) get(uri string) []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diags[uri]
}
