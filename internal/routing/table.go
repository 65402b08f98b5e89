package routing

import (
	"sort"
	"sync"
)

// Table maps destination agent names to the shortest known route.
// It is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{routes: make(map[string]*Route)}
}

// Put stores route for destination if no route is known or if route is
// strictly shorter than the stored one. Ties keep the existing entry.
// Returns true if the table changed.
func (t *Table) Put(destination string, route *Route) bool {
	if destination == "" || route.Len() == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.routes[destination]; ok && existing.Len() <= route.Len() {
		return false
	}
	stored := route.Clone()
	stored.Reset()
	t.routes[destination] = stored
	return true
}

// Get returns a clone of the route stored for destination.
func (t *Table) Get(destination string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.routes[destination]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Has reports whether a route to destination is stored.
func (t *Table) Has(destination string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[destination]
	return ok
}

// Remove deletes the entry for destination.
func (t *Table) Remove(destination string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[destination]; !ok {
		return false
	}
	delete(t.routes, destination)
	return true
}

// InvalidateAgent removes the entry for name and every route whose path
// contains name. Returns the number of entries removed.
func (t *Table) InvalidateAgent(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for dest, r := range t.routes {
		if dest == name || r.Contains(name) {
			delete(t.routes, dest)
			count++
		}
	}
	return count
}

// InvalidateLink removes every route that traverses a and b consecutively,
// in either direction. Returns the number of entries removed.
func (t *Table) InvalidateLink(a, b string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for dest, r := range t.routes {
		if r.ContainsLink(a, b) {
			delete(t.routes, dest)
			count++
		}
	}
	return count
}

// Len returns the number of stored destinations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Destinations returns the stored destination names in sorted order.
func (t *Table) Destinations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.routes))
	for dest := range t.routes {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every entry.
func (t *Table) Snapshot() map[string]*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*Route, len(t.routes))
	for dest, r := range t.routes {
		out[dest] = r.Clone()
	}
	return out
}

// Clear removes all entries.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make(map[string]*Route)
}
