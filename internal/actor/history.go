package actor

import "sync"

// DefaultHistorySize is the number of message ids each agent remembers.
const DefaultHistorySize = 1024

// History is a fixed-capacity ring of recently seen message ids.
// Once full, each new id evicts the oldest, so duplicate detection only
// covers the most recent Cap() ids. It is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	ring  []string
	count map[string]int
	next  int
	full  bool
}

// NewHistory creates a history holding up to size ids.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		ring:  make([]string, size),
		count: make(map[string]int, size),
	}
}

// Update records id.
func (h *History) Update(id string) {
	h.mu.Lock()
	h.record(id)
	h.mu.Unlock()
}

// Has reports whether id is in the window.
func (h *History) Has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count[id] > 0
}

// CheckAndRecord records id and returns true if it was not already present.
func (h *History) CheckAndRecord(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count[id] > 0 {
		return false
	}
	h.record(id)
	return true
}

// Len returns the number of ids held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.ring)
	}
	return h.next
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	return len(h.ring)
}

func (h *History) record(id string) {
	if h.full {
		old := h.ring[h.next]
		if h.count[old]--; h.count[old] <= 0 {
			delete(h.count, old)
		}
	}
	h.ring[h.next] = id
	h.count[id]++
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.full = true
	}
}
