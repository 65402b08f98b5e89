// Package routing implements name-path routes and the per-agent routing table
// used by the Denobo overlay network.
package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/postalsys/denobo/internal/protocol"
)

var (
	// ErrDuplicateName is returned when appending a name already on the route.
	ErrDuplicateName = errors.New("agent name already on route")

	// ErrEndOfRoute is returned when advancing past the last name.
	ErrEndOfRoute = errors.New("end of route")

	// ErrEmptyName is returned when appending an empty name.
	ErrEmptyName = errors.New("empty agent name")
)

// paramRoute is the repeated key carrying route names in packet bodies.
const paramRoute = "route"

// Route is an ordered, duplicate-free sequence of agent names plus a read
// cursor. A Route is not safe for concurrent use; share clones instead.
type Route struct {
	names  []string
	index  map[string]struct{}
	cursor int
}

// NewRoute builds a route from names, rejecting duplicates.
func NewRoute(names ...string) (*Route, error) {
	r := &Route{index: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if err := r.Append(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRoute is NewRoute for literals known to be valid.
func MustRoute(names ...string) *Route {
	r, err := NewRoute(names...)
	if err != nil {
		panic(err)
	}
	return r
}

// Append adds name to the end of the route.
func (r *Route) Append(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if r.index == nil {
		r.index = make(map[string]struct{})
	}
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.names = append(r.names, name)
	r.index[name] = struct{}{}
	return nil
}

// AppendRoute appends every name of other. On error r is left unchanged.
func (r *Route) AppendRoute(other *Route) error {
	if other == nil {
		return nil
	}
	for _, name := range other.names {
		if r.Contains(name) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	for _, name := range other.names {
		if err := r.Append(name); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy including the cursor.
func (r *Route) Clone() *Route {
	if r == nil {
		return nil
	}
	clone := &Route{
		names:  make([]string, len(r.names)),
		index:  make(map[string]struct{}, len(r.names)),
		cursor: r.cursor,
	}
	copy(clone.names, r.names)
	for _, name := range r.names {
		clone.index[name] = struct{}{}
	}
	return clone
}

// Len returns the number of names on the route.
func (r *Route) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Hops returns the number of links traversed.
func (r *Route) Hops() int {
	if r.Len() == 0 {
		return 0
	}
	return len(r.names) - 1
}

// Names returns a copy of the names in order.
func (r *Route) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Contains reports whether name is on the route.
func (r *Route) Contains(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.index[name]
	return ok
}

// ContainsLink reports whether a and b appear consecutively in either order.
func (r *Route) ContainsLink(a, b string) bool {
	if r == nil {
		return false
	}
	for i := 0; i+1 < len(r.names); i++ {
		x, y := r.names[i], r.names[i+1]
		if (x == a && y == b) || (x == b && y == a) {
			return true
		}
	}
	return false
}

// First returns the first name, or "" for an empty route.
func (r *Route) First() string {
	if r.Len() == 0 {
		return ""
	}
	return r.names[0]
}

// Last returns the last name, or "" for an empty route.
func (r *Route) Last() string {
	if r.Len() == 0 {
		return ""
	}
	return r.names[len(r.names)-1]
}

// HasNext reports whether Next would succeed.
func (r *Route) HasNext() bool {
	return r != nil && r.cursor < len(r.names)
}

// Next returns the name under the cursor and advances it.
func (r *Route) Next() (string, error) {
	if !r.HasNext() {
		return "", ErrEndOfRoute
	}
	name := r.names[r.cursor]
	r.cursor++
	return name, nil
}

// Reset rewinds the cursor.
func (r *Route) Reset() {
	r.cursor = 0
}

// Reverse returns a new route with the names in reverse order.
func (r *Route) Reverse() *Route {
	out := &Route{
		names: make([]string, 0, r.Len()),
		index: make(map[string]struct{}, r.Len()),
	}
	for i := r.Len() - 1; i >= 0; i-- {
		out.names = append(out.names, r.names[i])
		out.index[r.names[i]] = struct{}{}
	}
	return out
}

// Equal reports whether both routes carry the same names in the same order.
func (r *Route) Equal(other *Route) bool {
	if r.Len() != other.Len() {
		return false
	}
	for i := range r.names {
		if r.names[i] != other.names[i] {
			return false
		}
	}
	return true
}

// String returns the route as "A -> B -> C".
func (r *Route) String() string {
	if r.Len() == 0 {
		return "<empty>"
	}
	return strings.Join(r.names, " -> ")
}

// EncodeParams stores the route under repeated route keys.
func (r *Route) EncodeParams(p protocol.Params) {
	delete(p, paramRoute)
	for _, name := range r.Names() {
		p.Add(paramRoute, name)
	}
}

// RouteFromParams decodes a route written by EncodeParams.
// A missing key yields an empty route.
func RouteFromParams(p protocol.Params) (*Route, error) {
	return NewRoute(p.All(paramRoute)...)
}
