// Package reply correlates inbound WeCom callbacks with later outbound
// replies. A callback carries a response_url that is only writable for a
// short window, so the inbound path registers it here and the outbound path
// consumes it exactly once.
package reply

import (
	"sync"
	"time"

	"wecombot/internal/target"
)

// Key identifies the recipient a handle replies to.
type Key struct {
	AccountID string
	Kind      target.Kind
	ID        string
}

// KeyFor builds the registry key for a parsed target, filling in accountID
// when the target does not name one.
func KeyFor(t target.Target, accountID string) Key {
	if t.AccountID != "" {
		accountID = t.AccountID
	}
	return Key{AccountID: accountID, Kind: t.Kind, ID: t.ID}
}

func (k Key) String() string {
	return k.AccountID + "/" + string(k.Kind) + ":" + k.ID
}

// Handle is a single-use reply capability.
type Handle struct {
	URL       string
	CreatedAt time.Time
}

// Registry holds at most one live handle per key. Handles do not expire on
// their own; they are removed by Consume, replaced by Register or dropped by
// Clear.
type Registry struct {
	mu      sync.Mutex
	handles map[Key]Handle
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[Key]Handle),
		now:     time.Now,
	}
}

// Register stores url for key, replacing any handle already registered for
// it. The most recent inbound event is the repliable one.
func (r *Registry) Register(key Key, url string) Handle {
	h := Handle{URL: url, CreatedAt: r.now()}
	r.mu.Lock()
	r.handles[key] = h
	r.mu.Unlock()
	return h
}

// Consume removes and returns the handle for key. A second Consume without an
// intervening Register reports ok=false.
func (r *Registry) Consume(key Key) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	return h, ok
}

// Clear drops every handle.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.handles = make(map[Key]Handle)
	r.mu.Unlock()
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
