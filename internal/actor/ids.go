package actor

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces message identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

// NewID returns a fresh UUID string.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// SequenceGenerator issues "<prefix>-<n>" ids from a counter. It gives
// deterministic ids for tests and single-process graphs.
type SequenceGenerator struct {
	prefix string
	next   atomic.Uint64
}

// NewSequenceGenerator creates a generator whose ids start at prefix-1.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// NewID returns the next id in sequence.
func (g *SequenceGenerator) NewID() string {
	return g.prefix + "-" + strconv.FormatUint(g.next.Add(1), 10)
}
