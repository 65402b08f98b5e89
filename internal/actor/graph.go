// Package actor implements the Denobo agent runtime: a graph of named agents,
// each with a mailbox and a dedicated worker, that broadcast addressed
// messages to their neighbors, discover routes and invalidate them when
// links break.
package actor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/recovery"
)

var (
	// ErrDuplicateName is returned when an agent name is already in the graph.
	ErrDuplicateName = errors.New("agent name already in use")

	// ErrEmptyName is returned when creating an agent without a name.
	ErrEmptyName = errors.New("agent name is empty")

	// ErrUnknownAgent is returned for names not present in the graph.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrSelfLoop is returned when connecting an agent to itself.
	ErrSelfLoop = errors.New("cannot connect an agent to itself")

	// ErrShutdown is returned when operating on an agent that is shutting down.
	ErrShutdown = errors.New("agent is shut down")

	// ErrForeignAgent is returned when connecting agents from different graphs.
	ErrForeignAgent = errors.New("agent belongs to another graph")
)

// Graph is the arena owning every agent of a process and the links between
// them. Links are undirected and stored as name sets.
type Graph struct {
	opts   options
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
	edges  map[string]map[string]struct{}

	// Routing workers and undertakers in flight. A WaitGroup does not fit:
	// remote peers start workers at any time, including during WaitIdle.
	workerMu   sync.Mutex
	workerIdle *sync.Cond
	workers    int
}

// NewGraph creates an empty graph.
func NewGraph(opts ...Option) *Graph {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	g := &Graph{
		opts:   o,
		logger: logging.Component(o.logger, "graph"),
		agents: make(map[string]*Agent),
		edges:  make(map[string]map[string]struct{}),
	}
	g.workerIdle = sync.NewCond(&g.workerMu)
	return g
}

// NewAgent creates a running agent named name. Names are unique within the
// graph.
func (g *Graph) NewAgent(name string, cloneable bool, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	o := g.opts
	o.gateway = nil
	for _, opt := range opts {
		opt(&o)
	}

	g.mu.Lock()
	if _, exists := g.agents[name]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	a := newAgent(g, name, cloneable, o)
	g.agents[name] = a
	g.edges[name] = make(map[string]struct{})
	g.mu.Unlock()

	a.start()
	g.logger.Debug("agent created", logging.KeyAgent, name, "cloneable", cloneable)
	return a, nil
}

// Lookup returns the agent called name, or nil.
func (g *Graph) Lookup(name string) *Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.agents[name]
}

// Agents returns the names of every agent in sorted order.
func (g *Graph) Agents() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.agents))
	for name := range g.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of agents.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.agents)
}

// Neighbors returns the names linked to name in sorted order.
func (g *Graph) Neighbors(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.edges[name]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Connected reports whether a and b are linked.
func (g *Graph) Connected(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[a][b]
	return ok
}

// Connect links a and b. Both agents must be running.
func (g *Graph) Connect(a, b string) error {
	if a == b {
		return ErrSelfLoop
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range []string{a, b} {
		agent, ok := g.agents[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
		}
		if agent.State() != StateRunning || agent.mbox.isClosed() {
			return fmt.Errorf("%w: %s", ErrShutdown, name)
		}
	}
	g.edges[a][b] = struct{}{}
	g.edges[b][a] = struct{}{}
	return nil
}

// Disconnect removes the link between a and b and reports whether it existed.
// Route invalidation is the caller's concern; see Agent.DisconnectAgent.
func (g *Graph) Disconnect(a, b string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[a][b]; !ok {
		return false
	}
	delete(g.edges[a], b)
	delete(g.edges[b], a)
	return true
}

// remove deletes a and all its links, returning its former neighbors.
func (g *Graph) remove(a *Agent) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.agents[a.name] != a {
		return nil
	}
	neighbors := make([]string, 0, len(g.edges[a.name]))
	for n := range g.edges[a.name] {
		delete(g.edges[n], a.name)
		neighbors = append(neighbors, n)
	}
	sort.Strings(neighbors)
	delete(g.edges, a.name)
	delete(g.agents, a.name)
	return neighbors
}

// goWorker runs fn on a tracked goroutine.
func (g *Graph) goWorker(name string, fn func()) {
	g.workerMu.Lock()
	g.workers++
	g.workerMu.Unlock()

	recovery.Go(g.logger, name, func() {
		defer g.workerDone()
		fn()
	})
}

func (g *Graph) workerDone() {
	g.workerMu.Lock()
	defer g.workerMu.Unlock()
	g.workers--
	if g.workers == 0 {
		g.workerIdle.Broadcast()
	}
}

// WaitIdle blocks until no routing worker or undertaker is running. Workers
// started after it returns, for instance by a late remote INVALIDATE_AGENTS,
// are not waited for.
func (g *Graph) WaitIdle() {
	g.workerMu.Lock()
	defer g.workerMu.Unlock()
	for g.workers > 0 {
		g.workerIdle.Wait()
	}
}

// Shutdown shuts down every agent and waits for background workers.
func (g *Graph) Shutdown() {
	g.mu.RLock()
	agents := make([]*Agent, 0, len(g.agents))
	for _, a := range g.agents {
		agents = append(agents, a)
	}
	g.mu.RUnlock()

	for _, a := range agents {
		a.Shutdown()
	}
	g.WaitIdle()
}
