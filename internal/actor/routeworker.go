package actor

import (
	"fmt"
	"sync"

	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/routing"
)

// RoutingWorker is a one-shot search for the shortest route from an origin
// agent to a destination name. It enumerates simple paths through the local
// graph; when none reaches the destination it hands the search to every
// gateway it passed, which continue it on remote peers.
type RoutingWorker struct {
	origin      *Agent
	destination string
	partial     *routing.Route
	backtrack   bool
	result      *RouteResult

	runOnce sync.Once
	done    chan struct{}
}

// NewRoutingWorker prepares a search. partial is the route walked so far on
// other processes and may be nil. With backtrack set, the destination agent
// also learns the reverse route back to the first name on the found route.
func NewRoutingWorker(origin *Agent, destination string, partial *routing.Route, backtrack bool, listeners ...RouteListener) (*RoutingWorker, error) {
	if destination == origin.name {
		return nil, fmt.Errorf("%w: %s", ErrRouteToSelf, destination)
	}
	if partial == nil {
		partial, _ = routing.NewRoute()
	}

	result := NewRouteResult(destination, listeners...)
	result.metrics = origin.metrics

	return &RoutingWorker{
		origin:      origin,
		destination: destination,
		partial:     partial.Clone(),
		backtrack:   backtrack,
		result:      result,
		done:        make(chan struct{}),
	}, nil
}

// Result returns the aggregated outcome of the search.
func (w *RoutingWorker) Result() *RouteResult { return w.result }

// Done is closed when the local part of the search has finished. Hand-offs
// to remote peers may still be outstanding; wait on Result().Done() for the
// final outcome.
func (w *RoutingWorker) Done() <-chan struct{} { return w.done }

// Start runs the search on a goroutine tracked by the origin's graph.
func (w *RoutingWorker) Start() {
	w.origin.graph.goWorker("routing worker", w.Run)
}

// Run performs the search on the calling goroutine. Only the first call
// has any effect.
func (w *RoutingWorker) Run() {
	w.runOnce.Do(func() {
		defer close(w.done)
		w.run()
	})
}

// gatewayHop is a gateway reached during the search and the route to it.
type gatewayHop struct {
	agent *Agent
	route *routing.Route
}

type search struct {
	graph       *Graph
	destination string
	maxHops     int

	best     *routing.Route
	gateways []gatewayHop
	gwIndex  map[string]int
}

func (w *RoutingWorker) run() {
	r := w.result
	r.Expect()

	route := w.partial.Clone()
	if err := route.Append(w.origin.name); err != nil {
		r.Fail(err)
		return
	}

	s := &search{
		graph:       w.origin.graph,
		destination: w.destination,
		maxHops:     w.origin.opts.maxRouteHops,
		gwIndex:     make(map[string]int),
	}
	s.explore(w.origin.name, route)

	logger := w.origin.logger.With(logging.KeyDest, w.destination)

	if s.best != nil {
		logger.Debug("route found", logging.KeyRoute, s.best.String(), logging.KeyHops, s.best.Hops())
		if w.backtrack {
			if dest := s.graph.Lookup(s.best.Last()); dest != nil {
				dest.routes.Put(s.best.First(), s.best.Reverse())
			}
		}
		r.Found(s.best)
		return
	}

	handed := 0
	for _, hop := range s.gateways {
		n := hop.agent.gateway.ForwardRouteSearch(w.destination, hop.route.Clone(), w.backtrack, r)
		for i := 0; i < n; i++ {
			w.origin.metrics.RecordRemoteRouteSearch()
		}
		handed += n
	}
	if handed > 0 {
		logger.Debug("route search handed to remote peers", logging.KeyCount, handed)
	}
	r.Fail(fmt.Errorf("%w: %s", ErrNoRoute, w.destination))
}

// explore walks every simple path extending route, which ends at current.
// Paths that cannot beat the best candidate are pruned.
func (s *search) explore(current string, route *routing.Route) {
	node := s.graph.Lookup(current)
	if node == nil {
		return
	}

	if current == s.destination {
		if s.best == nil || route.Len() < s.best.Len() {
			s.best = route.Clone()
		}
		return
	}

	if node.gateway != nil {
		s.rememberGateway(node, route)
	}

	if route.Hops() >= s.maxHops {
		return
	}
	if s.best != nil && route.Len()+1 >= s.best.Len() {
		return
	}

	for _, next := range s.graph.Neighbors(current) {
		if route.Contains(next) {
			continue
		}
		extended := route.Clone()
		if err := extended.Append(next); err != nil {
			continue
		}
		s.explore(next, extended)
	}
}

// rememberGateway keeps the shortest route seen to each gateway.
func (s *search) rememberGateway(node *Agent, route *routing.Route) {
	if i, ok := s.gwIndex[node.name]; ok {
		if route.Len() < s.gateways[i].route.Len() {
			s.gateways[i].route = route.Clone()
		}
		return
	}
	s.gwIndex[node.name] = len(s.gateways)
	s.gateways = append(s.gateways, gatewayHop{agent: node, route: route.Clone()})
}
