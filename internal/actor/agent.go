package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/metrics"
	"github.com/postalsys/denobo/internal/recovery"
	"github.com/postalsys/denobo/internal/routing"
)

// maxIDAttempts bounds regeneration when a fresh id collides with history.
const maxIDAttempts = 8

// State is the lifecycle state of an agent.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutDown:
		return "shut-down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Agent is a named message-processing unit. Every agent owns an unbounded
// mailbox drained by one worker goroutine. A non-cloneable agent handles
// messages one at a time on that worker; a cloneable agent dispatches each
// message to a bounded worker pool.
type Agent struct {
	name      string
	cloneable bool
	graph     *Graph
	gateway   Gateway
	opts      options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mbox     *mailbox
	history  *History
	routes   *routing.Table
	handlers handlerRegistry
	pool     errgroup.Group

	state        atomic.Int32
	workerDone   chan struct{}
	shutdownOnce sync.Once
}

func newAgent(g *Graph, name string, cloneable bool, o options) *Agent {
	a := &Agent{
		name:       name,
		cloneable:  cloneable,
		graph:      g,
		gateway:    o.gateway,
		opts:       o,
		logger:     o.logger.With(logging.KeyComponent, "agent", logging.KeyAgent, name),
		metrics:    o.metrics,
		mbox:       newMailbox(),
		history:    NewHistory(o.historySize),
		routes:     routing.NewTable(),
		workerDone: make(chan struct{}),
	}
	if o.cloneWorkers > 0 {
		a.pool.SetLimit(o.cloneWorkers)
	}
	return a
}

func (a *Agent) start() {
	a.metrics.RecordAgentStarted()
	go a.run()
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Cloneable reports whether handlers may run concurrently.
func (a *Agent) Cloneable() bool { return a.cloneable }

// Graph returns the arena owning the agent.
func (a *Agent) Graph() *Graph { return a.graph }

// Routes returns the agent's routing table.
func (a *Agent) Routes() *routing.Table { return a.routes }

// History returns the agent's message id history.
func (a *Agent) History() *History { return a.history }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// IsGateway reports whether the agent federates remote peers.
func (a *Agent) IsGateway() bool { return a.gateway != nil }

// State returns the lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Pending returns the number of messages waiting in the mailbox.
func (a *Agent) Pending() int { return a.mbox.len() }

// AddMessageHandler registers h and returns an id for RemoveMessageHandler.
func (a *Agent) AddMessageHandler(h MessageHandler) HandlerID {
	return a.handlers.add(h)
}

// RemoveMessageHandler unregisters a handler. It reports whether id was registered.
func (a *Agent) RemoveMessageHandler(id HandlerID) bool {
	return a.handlers.remove(id)
}

// SendMessage originates a message to the named recipients. A nil or empty
// to addresses every agent reached.
func (a *Agent) SendMessage(to []string, payload string) (*Message, error) {
	id := a.opts.ids.NewID()
	for i := 0; a.history.Has(id) && i < maxIDAttempts; i++ {
		id = a.opts.ids.NewID()
	}

	msg := &Message{
		ID:      id,
		From:    a.name,
		To:      append([]string(nil), to...),
		Payload: payload,
		Created: time.Now(),
	}
	if !a.queue(envelope{msg: msg}) {
		return nil, fmt.Errorf("%w: %s", ErrShutdown, a.name)
	}
	a.metrics.RecordMessageSent()
	return msg, nil
}

// Broadcast originates a message addressed to every agent.
func (a *Agent) Broadcast(payload string) (*Message, error) {
	return a.SendMessage(nil, payload)
}

// Deliver enqueues a message that arrived over the remote link with the
// given id. The message is not relayed back over that link.
func (a *Agent) Deliver(msg *Message, link uint64) error {
	if msg == nil || msg.ID == "" {
		return ErrInvalidMessage
	}
	if !a.queue(envelope{msg: msg, link: link}) {
		return fmt.Errorf("%w: %s", ErrShutdown, a.name)
	}
	return nil
}

// ConnectAgent links a and other.
func (a *Agent) ConnectAgent(other *Agent) error {
	if other.graph != a.graph {
		return ErrForeignAgent
	}
	return a.graph.Connect(a.name, other.name)
}

// DisconnectAgent removes the link between a and other and starts an
// Undertaker to invalidate routes that used it.
func (a *Agent) DisconnectAgent(other *Agent) error {
	if other.graph != a.graph {
		return ErrForeignAgent
	}
	if !a.graph.Disconnect(a.name, other.name) {
		return nil
	}
	a.logger.Debug("link broken", logging.KeyPeer, other.name)
	NewUndertaker([]*Agent{a, other}, a.name, other.name, nil).Start()
	return nil
}

// ConnectedAgents returns the names of linked agents in sorted order.
func (a *Agent) ConnectedAgents() []string {
	return a.graph.Neighbors(a.name)
}

// FindRoute starts a route search to destination. A route found is stored
// in the agent's routing table before listeners are told.
func (a *Agent) FindRoute(destination string, backtrack bool, listeners ...RouteListener) (*RoutingWorker, error) {
	store := RouteListenerFuncs{
		OnFound: func(dest string, route *routing.Route) {
			a.routes.Put(dest, route)
		},
	}
	w, err := NewRoutingWorker(a, destination, nil, backtrack, append([]RouteListener{store}, listeners...)...)
	if err != nil {
		return nil, err
	}
	w.Start()
	return w, nil
}

// RouteTo finds a route to destination and waits for the outcome.
func (a *Agent) RouteTo(ctx context.Context, destination string, backtrack bool) (*routing.Route, error) {
	type outcome struct {
		route *routing.Route
		err   error
	}
	ch := make(chan outcome, 1)

	_, err := a.FindRoute(destination, backtrack, RouteListenerFuncs{
		OnFound:  func(_ string, r *routing.Route) { ch <- outcome{route: r} },
		OnFailed: func(_ string, err error) { ch <- outcome{err: err} },
	})
	if err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		return o.route, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the agent: no further messages are accepted, the mailbox
// is drained, in-flight handlers finish and every link is severed. Severed
// links are invalidated in the neighbors' routing tables. Calls after the
// first wait for it to complete and return. Shutdown must not be called from
// one of the agent's own handlers.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.state.Store(int32(StateShuttingDown))
		if a.gateway != nil {
			a.gateway.CloseGateway()
		}

		a.mbox.close()
		<-a.workerDone

		for _, n := range a.graph.remove(a) {
			if nb := a.graph.Lookup(n); nb != nil {
				NewUndertaker([]*Agent{nb}, a.name, n, nil).Start()
			}
		}

		a.state.Store(int32(StateShutDown))
		a.metrics.RecordAgentStopped()
		a.logger.Debug("agent shut down")
	})
}

func (a *Agent) queue(env envelope) bool {
	return a.mbox.push(env)
}

// run is the mailbox worker.
func (a *Agent) run() {
	defer close(a.workerDone)
	defer recovery.RecoverWithLog(a.logger, "mailbox worker")

	for {
		env, ok := a.mbox.take()
		if !ok {
			break
		}
		if !a.shouldHandleMessage(env.msg) {
			a.metrics.RecordMessageDropped("duplicate")
			continue
		}
		if a.cloneable {
			a.pool.Go(func() error {
				a.handleMessage(env)
				return nil
			})
		} else {
			a.handleMessage(env)
		}
	}
	a.pool.Wait()
}

// shouldHandleMessage records the id and reports whether it is new.
// It only runs on the mailbox worker.
func (a *Agent) shouldHandleMessage(msg *Message) bool {
	return a.history.CheckAndRecord(msg.ID)
}

// handleMessage runs handlers if the agent is a recipient, then passes the
// message to every neighbor except the one it came from.
func (a *Agent) handleMessage(env envelope) {
	defer recovery.RecoverWithLog(a.logger, "handle message")

	msg := env.msg
	if msg.IsRecipient(a.name) {
		for _, h := range a.handlers.snapshot() {
			a.invoke(h, msg)
		}
		a.metrics.RecordMessageHandled()
	}

	out := envelope{msg: msg, sender: a.name}
	for _, name := range a.graph.Neighbors(a.name) {
		if name == env.sender {
			continue
		}
		if nb := a.graph.Lookup(name); nb != nil {
			nb.queue(out)
		}
	}

	if a.gateway != nil {
		a.gateway.Relay(msg, env.link)
	}
}

func (a *Agent) invoke(h MessageHandler, msg *Message) {
	defer recovery.RecoverWithCallback(a.logger, "message handler", func(any) {
		a.metrics.RecordHandlerPanic()
	})
	h.HandleMessage(a, msg)
}
