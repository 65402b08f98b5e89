package actor

import (
	"errors"
	"sync"
	"time"

	"github.com/postalsys/denobo/internal/metrics"
	"github.com/postalsys/denobo/internal/routing"
)

var (
	// ErrRouteToSelf is returned when searching for a route to the origin itself.
	ErrRouteToSelf = errors.New("cannot route to self")

	// ErrNoRoute is reported to listeners when no route could be found.
	ErrNoRoute = errors.New("no route to destination")
)

// Gateway is implemented by agents that federate remote peers. The runtime
// calls it when a message, a route search or an invalidation crawl must
// leave the process.
type Gateway interface {
	// Relay forwards msg to every remote peer except the one on link.
	// A zero link means the message originated in this process.
	Relay(msg *Message, link uint64)

	// ForwardRouteSearch hands a search to every remote peer not already on
	// partial, which ends with the gateway's own name. It calls
	// result.Expect once per peer asked and returns that count.
	ForwardRouteSearch(destination string, partial *routing.Route, backtrack bool, result *RouteResult) int

	// ForwardInvalidation continues an invalidation crawl on every remote
	// peer whose name is not in visited and returns the number of peers told.
	ForwardInvalidation(a, b string, visited []string) int

	// CloseGateway stops accepting peers and disconnects existing ones.
	// It is called once when the agent shuts down.
	CloseGateway()
}

// RouteListener is told the single outcome of a route search.
type RouteListener interface {
	RouteFound(destination string, route *routing.Route)
	RouteFailed(destination string, err error)
}

// RouteListenerFuncs adapts a pair of functions to RouteListener.
// Either may be nil.
type RouteListenerFuncs struct {
	OnFound  func(destination string, route *routing.Route)
	OnFailed func(destination string, err error)
}

// RouteFound calls OnFound.
func (f RouteListenerFuncs) RouteFound(destination string, route *routing.Route) {
	if f.OnFound != nil {
		f.OnFound(destination, route)
	}
}

// RouteFailed calls OnFailed.
func (f RouteListenerFuncs) RouteFailed(destination string, err error) {
	if f.OnFailed != nil {
		f.OnFailed(destination, err)
	}
}

// RouteResult collects the outcome of one route search across every remote
// hand-off. The first success wins; failure is reported once every expected
// answer has failed. Listeners are notified exactly once.
type RouteResult struct {
	destination string
	listeners   []RouteListener
	metrics     *metrics.Metrics
	started     time.Time

	mu      sync.Mutex
	pending int
	lastErr error
	done    bool
	route   *routing.Route
	err     error
	doneCh  chan struct{}
}

// NewRouteResult creates a result for a search to destination.
func NewRouteResult(destination string, listeners ...RouteListener) *RouteResult {
	return &RouteResult{
		destination: destination,
		listeners:   listeners,
		started:     time.Now(),
		doneCh:      make(chan struct{}),
	}
}

// Destination returns the searched name.
func (r *RouteResult) Destination() string {
	return r.destination
}

// Expect registers one more answer to wait for. Each Expect must be matched
// by one Found or Fail.
func (r *RouteResult) Expect() {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
}

// Found settles one expected answer with a route.
func (r *RouteResult) Found(route *routing.Route) {
	r.mu.Lock()
	r.pending--
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.route = route.Clone()
	r.mu.Unlock()

	r.finish()
}

// Fail settles one expected answer with an error. The search fails once no
// answers are outstanding.
func (r *RouteResult) Fail(err error) {
	r.mu.Lock()
	r.pending--
	if err != nil {
		r.lastErr = err
	}
	if r.done || r.pending > 0 {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.err = r.lastErr
	if r.err == nil {
		r.err = ErrNoRoute
	}
	r.mu.Unlock()

	r.finish()
}

// Done is closed once the outcome is known.
func (r *RouteResult) Done() <-chan struct{} {
	return r.doneCh
}

// Outcome returns the route or error. It is only meaningful after Done.
func (r *RouteResult) Outcome() (*routing.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route.Clone(), r.err
}

func (r *RouteResult) finish() {
	r.metrics.RecordRouteSearch(r.err == nil, time.Since(r.started).Seconds())
	for _, l := range r.listeners {
		if r.err == nil {
			l.RouteFound(r.destination, r.route.Clone())
		} else {
			l.RouteFailed(r.destination, r.err)
		}
	}
	close(r.doneCh)
}
