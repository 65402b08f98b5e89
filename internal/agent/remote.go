package agent

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/peer"
	"github.com/postalsys/denobo/internal/protocol"
	"github.com/postalsys/denobo/internal/routing"
)

// Packet parameter keys for route searches and invalidation crawls.
const (
	paramSearchID    = "search_id"
	paramDestination = "destination"
	paramBacktrack   = "backtrack"
	paramReason      = "reason"
	paramLinkA       = "a"
	paramLinkB       = "b"
	paramVisited     = "visited"
)

func sortConnections(conns []*peer.Connection) {
	slices.SortFunc(conns, func(a, b *peer.Connection) int {
		return cmp.Compare(a.ID(), b.ID())
	})
}

// handlePacket runs on the receive goroutine of conn.
func (sa *SocketAgent) handlePacket(conn *peer.Connection, p *protocol.Packet) {
	params, err := p.Params()
	if err != nil {
		sa.logger.Warn("dropping malformed packet",
			logging.KeyPeer, conn.RemoteName(),
			logging.KeyCode, p.Code.String(),
			logging.KeyError, err)
		return
	}

	switch p.Code {
	case protocol.CodePropagate:
		sa.handlePropagate(conn, params)
	case protocol.CodeRouteTo:
		sa.handleRouteTo(conn, params)
	case protocol.CodeRouteFound:
		sa.handleRouteFound(conn, params)
	case protocol.CodeNo:
		sa.handleNo(conn, params)
	case protocol.CodeInvalidateAgents:
		sa.handleInvalidate(conn, params)
	default:
		sa.logger.Debug("ignoring packet",
			logging.KeyPeer, conn.RemoteName(),
			logging.KeyCode, p.Code.String())
	}
}

func (sa *SocketAgent) handlePropagate(conn *peer.Connection, params protocol.Params) {
	msg, err := actor.MessageFromParams(params)
	if err != nil {
		sa.logger.Warn("dropping invalid message", logging.KeyPeer, conn.RemoteName(), logging.KeyError, err)
		return
	}
	if err := sa.Deliver(msg, conn.ID()); err != nil {
		sa.logger.Debug("message not delivered",
			logging.KeyMessageID, msg.ID,
			logging.KeyError, err)
	}
}

// ============================================================================
// Route searches
// ============================================================================

// ForwardRouteSearch asks every peer not yet on partial to continue the
// search. Answers arrive as ROUTE_FOUND or NO and settle result.
func (sa *SocketAgent) ForwardRouteSearch(destination string, partial *routing.Route, backtrack bool, result *actor.RouteResult) int {
	n := 0
	for _, c := range sa.liveConnections() {
		if partial.Contains(c.RemoteName()) {
			continue
		}

		id := sa.searches.register(c.ID(), result)
		params := protocol.Params{}
		params.Set(paramSearchID, id)
		params.Set(paramDestination, destination)
		params.SetBool(paramBacktrack, backtrack)
		partial.EncodeParams(params)

		if err := c.Send(protocol.CodeRouteTo, params); err != nil {
			sa.searches.settle(id, nil, err)
		} else {
			sa.logger.Debug("route search forwarded",
				logging.KeyPeer, c.RemoteName(),
				logging.KeyDest, destination,
				logging.KeySearchID, id)
		}
		n++
	}
	return n
}

func (sa *SocketAgent) handleRouteTo(conn *peer.Connection, params protocol.Params) {
	id := params.Get(paramSearchID)
	destination := params.Get(paramDestination)
	backtrack := params.Bool(paramBacktrack)

	fail := func(reason string) {
		reply := protocol.Params{}
		reply.Set(paramSearchID, id)
		reply.Set(paramReason, reason)
		if err := conn.Send(protocol.CodeNo, reply); err != nil {
			sa.logger.Debug("failed to answer route search", logging.KeySearchID, id, logging.KeyError, err)
		}
	}
	found := func(route *routing.Route) {
		reply := protocol.Params{}
		reply.Set(paramSearchID, id)
		route.EncodeParams(reply)
		if err := conn.Send(protocol.CodeRouteFound, reply); err != nil {
			sa.logger.Debug("failed to answer route search", logging.KeySearchID, id, logging.KeyError, err)
		}
	}

	partial, err := routing.RouteFromParams(params)
	if err != nil || id == "" || destination == "" {
		fail("malformed search")
		return
	}
	if partial.Contains(sa.name) {
		fail("loop")
		return
	}

	if destination == sa.name {
		route := partial.Clone()
		if err := route.Append(sa.name); err != nil {
			fail(err.Error())
			return
		}
		if backtrack {
			sa.Routes().Put(route.First(), route.Reverse())
		}
		found(route)
		return
	}

	w, err := actor.NewRoutingWorker(sa.Agent, destination, partial, backtrack, actor.RouteListenerFuncs{
		OnFound: func(_ string, route *routing.Route) { found(route) },
		OnFailed: func(_ string, err error) {
			fail(err.Error())
		},
	})
	if err != nil {
		fail(err.Error())
		return
	}
	w.Start()
}

func (sa *SocketAgent) handleRouteFound(conn *peer.Connection, params protocol.Params) {
	id := params.Get(paramSearchID)
	route, err := routing.RouteFromParams(params)
	if err != nil {
		sa.searches.settle(id, nil, err)
		return
	}
	if route.Len() == 0 {
		sa.searches.settle(id, nil, fmt.Errorf("%w: empty route from %s", actor.ErrNoRoute, conn.RemoteName()))
		return
	}
	if !sa.searches.settle(id, route, nil) {
		sa.logger.Debug("late route answer", logging.KeySearchID, id, logging.KeyPeer, conn.RemoteName())
	}
}

func (sa *SocketAgent) handleNo(conn *peer.Connection, params protocol.Params) {
	id := params.Get(paramSearchID)
	if id == "" {
		sa.logger.Debug("peer said no", logging.KeyPeer, conn.RemoteName(), paramReason, params.Get(paramReason))
		return
	}
	sa.searches.settle(id, nil, fmt.Errorf("%w: %s said %s", actor.ErrNoRoute, conn.RemoteName(), params.Get(paramReason)))
}

// ============================================================================
// Invalidation
// ============================================================================

// ForwardInvalidation continues an invalidation crawl on peers not yet
// visited.
func (sa *SocketAgent) ForwardInvalidation(a, b string, visited []string) int {
	n := 0
	for _, c := range sa.liveConnections() {
		if slices.Contains(visited, c.RemoteName()) {
			continue
		}
		params := protocol.Params{}
		params.Set(paramLinkA, a)
		params.Set(paramLinkB, b)
		for _, name := range visited {
			params.Add(paramVisited, name)
		}
		if err := c.Send(protocol.CodeInvalidateAgents, params); err != nil {
			sa.logger.Debug("failed to forward invalidation", logging.KeyPeer, c.RemoteName(), logging.KeyError, err)
			continue
		}
		n++
	}
	return n
}

func (sa *SocketAgent) handleInvalidate(conn *peer.Connection, params protocol.Params) {
	a, b := params.Get(paramLinkA), params.Get(paramLinkB)
	visited := params.All(paramVisited)
	if a == "" || b == "" || slices.Contains(visited, sa.name) {
		return
	}
	sa.logger.Debug("invalidation received",
		logging.KeyPeer, conn.RemoteName(),
		"link", a+"-"+b)
	actor.NewUndertaker([]*actor.Agent{sa.Agent}, a, b, visited).Start()
}
