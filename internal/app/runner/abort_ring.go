package runner

import (
	"sync"

	"github.com/os2datascanner/engine/internal/domain/messages"
)

// DefaultAbortRingSize is the number of aborted scans a runner remembers.
const DefaultAbortRingSize = 256

// AbortRing remembers the most recently aborted scan tags. Once full, the
// oldest tag is forgotten.
type AbortRing struct {
	mu   sync.RWMutex
	keys []string
	next int
	set  map[string]struct{}
}

// NewAbortRing creates a ring holding size tags; a size below one selects
// DefaultAbortRingSize.
func NewAbortRing(size int) *AbortRing {
	if size < 1 {
		size = DefaultAbortRingSize
	}
	return &AbortRing{keys: make([]string, size), set: make(map[string]struct{}, size)}
}

// Add records tag as aborted. It reports false if tag already was.
func (r *AbortRing) Add(tag messages.ScanTag) bool {
	key := tag.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[key]; ok {
		return false
	}
	if old := r.keys[r.next]; old != "" {
		delete(r.set, old)
	}
	r.keys[r.next] = key
	r.set[key] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	return true
}

// Contains reports whether tag was aborted.
func (r *AbortRing) Contains(tag messages.ScanTag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[tag.Key()]
	return ok
}

func (r *AbortRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}
