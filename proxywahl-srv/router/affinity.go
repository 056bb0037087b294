package router

import "sync"

// AffinityCache maps flow identities to the upstream previously chosen for
// them, so every exchange of one logical session keeps using the same
// upstream. Entries live for the duration of the session: they are removed
// on teardown events or when the cached upstream no longer matches the flow.
type AffinityCache struct {
	mu      sync.Mutex
	entries map[FlowID]*Upstream
}

// NewAffinityCache creates an empty affinity cache.
func NewAffinityCache() *AffinityCache {
	return &AffinityCache{entries: make(map[FlowID]*Upstream)}
}

// Get returns the cached upstream for the identity, if any.
func (c *AffinityCache) Get(id FlowID) (*Upstream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	up, ok := c.entries[id]
	return up, ok
}

// Put stores the chosen upstream for the identity, replacing any previous
// entry.
func (c *AffinityCache) Put(id FlowID, up *Upstream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = up
}

// Delete removes the entry for the identity.
func (c *AffinityCache) Delete(id FlowID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// DeleteClient removes every entry belonging to the given client address.
// Called on client-disconnect events so the cache stays bounded by the
// number of active sessions. Returns the number of removed entries.
func (c *AffinityCache) DeleteClient(clientAddr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id := range c.entries {
		if id.ClientAddr == clientAddr {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *AffinityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
