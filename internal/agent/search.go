package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/routing"
)

// ErrRouteTimeout is reported when a remote peer does not answer a route
// search in time.
var ErrRouteTimeout = errors.New("remote route search timed out")

// pendingSearch is a route search handed to one remote peer.
type pendingSearch struct {
	connID uint64
	result *actor.RouteResult
	timer  *time.Timer
}

// searchRegistry tracks route searches waiting for a ROUTE_FOUND or NO.
// Every registered search is settled exactly once.
type searchRegistry struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSearch
}

func newSearchRegistry(timeout time.Duration) *searchRegistry {
	return &searchRegistry{
		timeout: timeout,
		pending: make(map[string]*pendingSearch),
	}
}

// register expects one answer on result and returns the search id to send.
func (r *searchRegistry) register(connID uint64, result *actor.RouteResult) string {
	id := uuid.NewString()
	result.Expect()

	r.mu.Lock()
	ps := &pendingSearch{connID: connID, result: result}
	r.pending[id] = ps
	ps.timer = time.AfterFunc(r.timeout, func() {
		r.settle(id, nil, ErrRouteTimeout)
	})
	r.mu.Unlock()
	return id
}

func (r *searchRegistry) take(id string) *pendingSearch {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	ps.timer.Stop()
	return ps
}

// settle completes a search. It reports false for unknown or already
// settled ids.
func (r *searchRegistry) settle(id string, route *routing.Route, err error) bool {
	ps := r.take(id)
	if ps == nil {
		return false
	}
	if err == nil {
		ps.result.Found(route)
	} else {
		ps.result.Fail(err)
	}
	return true
}

// failConnection fails every search waiting on the given connection.
func (r *searchRegistry) failConnection(connID uint64, err error) int {
	r.mu.Lock()
	var ids []string
	for id, ps := range r.pending {
		if ps.connID == connID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.settle(id, nil, err) {
			n++
		}
	}
	return n
}

func (r *searchRegistry) failAll(err error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.settle(id, nil, err)
	}
}

func (r *searchRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
