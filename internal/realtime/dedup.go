package realtime

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupWindow is how many recent event ids a subscription remembers.
const DefaultDedupWindow = 1024

// Deduper remembers the most recent event ids so a redelivered event is
// applied once. Safe for concurrent use.
type Deduper struct {
	seen *lru.Cache[string, struct{}]
}

// NewDeduper creates a Deduper holding up to size ids; size <= 0 selects DefaultDedupWindow.
func NewDeduper(size int) *Deduper {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[string, struct{}](size)
	return &Deduper{seen: cache}
}

// Seen records id and reports whether it had already been recorded.
// An empty id is never considered a duplicate.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return found
}

// Len returns the number of remembered ids.
func (d *Deduper) Len() int {
	return d.seen.Len()
}
