package server

import "sync"

// ClaimSet tracks carrier ids currently being processed. A claimed id is skipped, never
// queued: duplicate notifications for one write are simply absorbed.
type ClaimSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewClaimSet() *ClaimSet {
	return &ClaimSet{ids: make(map[string]struct{})}
}

// Claim marks id as in flight. It returns false, changing nothing, if id is already claimed.
func (c *ClaimSet) Claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

// Release unmarks id. Releasing an id that is not claimed is a no-op.
func (c *ClaimSet) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

// Len returns the number of ids currently claimed.
func (c *ClaimSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
