// Package node assembles a Denobo process from its configuration: the agent
// graph, the SocketAgent gateway, local agents, peer links and the health
// endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/agent"
	"github.com/postalsys/denobo/internal/config"
	"github.com/postalsys/denobo/internal/health"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/metrics"
	"github.com/postalsys/denobo/internal/peer"
	"github.com/postalsys/denobo/internal/routing"
	"github.com/postalsys/denobo/internal/transport"
)

var (
	// ErrUnknownAgent is returned when naming an agent this process does not host.
	ErrUnknownAgent = errors.New("unknown local agent")

	// ErrNotRunning is returned by operations that need a started node.
	ErrNotRunning = errors.New("node not running")
)

// Option customizes a Node.
type Option func(*Node)

// WithLogger overrides the logger built from the agent config.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithMessageHandler installs h on every agent this process hosts. Without
// one, received messages are logged.
func WithMessageHandler(h actor.MessageHandler) Option {
	return func(n *Node) { n.handler = h }
}

// WithCredentials overrides the credentials offered to peers that ask.
func WithCredentials(c peer.CredentialsHandler) Option {
	return func(n *Node) { n.credentials = c }
}

// Node is one running Denobo process.
type Node struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	handler     actor.MessageHandler
	credentials peer.CredentialsHandler

	graph   *actor.Graph
	gateway *agent.SocketAgent
	locals  []*actor.Agent

	health *health.Server

	mu      sync.Mutex
	running atomic.Bool
	stopped bool
}

// New validates cfg and builds every agent it describes. Nothing listens or
// dials until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}
	if n.handler == nil {
		n.handler = actor.MessageHandlerFunc(n.logMessage)
	}
	if n.credentials == nil {
		n.credentials = credentialsFromConfig(cfg.Network)
	}

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.NewMetricsWithRegistry(n.registry)

	tr, err := buildTransport(cfg.Network)
	if err != nil {
		return nil, err
	}

	n.graph = actor.NewGraph(
		actor.WithLogger(n.logger),
		actor.WithMetrics(n.metrics),
		actor.WithHistorySize(cfg.Agent.HistorySize),
		actor.WithCloneWorkers(cfg.Agent.CloneWorkers),
		actor.WithMaxRouteHops(cfg.Agent.MaxRouteHops),
	)

	n.gateway, err = agent.New(n.graph, cfg.Agent.Name, cfg.Agent.Cloneable, agent.Config{
		MaxConnections:    cfg.Network.MaxConnections,
		Credentials:       n.credentials,
		MasterCredentials: cfg.Network.MasterCredentials,
		Secure:            cfg.Network.Secure,
		KeyExchange:       cfg.Network.KeyExchange,
		Compression:       cfg.Network.Compression,
		Transport:         tr,
		HandshakeTimeout:  cfg.Network.HandshakeTimeout,
		PokeTimeout:       cfg.Network.PokeTimeout,
		PokeInterval:      cfg.Network.PokeInterval,
		RouteTimeout:      cfg.Network.RouteTimeout,
		AcceptRate:        cfg.Network.AcceptRate,
		AcceptBurst:       cfg.Network.AcceptBurst,
		Logger:            n.logger,
		Metrics:           n.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create socket agent: %w", err)
	}
	n.gateway.AddMessageHandler(n.handler)

	if err := n.buildLocals(); err != nil {
		n.graph.Shutdown()
		return nil, err
	}
	return n, nil
}

func (n *Node) buildLocals() error {
	for _, la := range n.cfg.Agents {
		a, err := n.graph.NewAgent(la.Name, la.Cloneable)
		if err != nil {
			return fmt.Errorf("failed to create agent %s: %w", la.Name, err)
		}
		a.AddMessageHandler(n.handler)
		n.locals = append(n.locals, a)
	}
	for _, la := range n.cfg.Agents {
		targets := la.Connect
		if len(targets) == 0 {
			targets = []string{n.cfg.Agent.Name}
		}
		for _, t := range targets {
			if err := n.graph.Connect(la.Name, t); err != nil {
				return fmt.Errorf("failed to connect %s to %s: %w", la.Name, t, err)
			}
		}
	}
	return nil
}

func credentialsFromConfig(nc config.NetworkConfig) peer.CredentialsHandler {
	switch {
	case nc.CredentialsPrompt:
		return &peer.PromptCredentials{}
	case nc.Credentials != "":
		return peer.StaticCredentials{Password: nc.Credentials}
	default:
		return peer.NoCredentials{}
	}
}

func buildTransport(nc config.NetworkConfig) (transport.Transport, error) {
	opts := transport.DefaultOptions()
	if nc.Path != "" {
		opts.Path = nc.Path
	}
	if nc.TLS.Enabled() {
		serverTLS, err := transport.LoadTLSConfig(nc.TLS.Cert, nc.TLS.Key)
		if err != nil {
			return nil, err
		}
		opts.ServerTLS = serverTLS
	}
	if nc.TLS.CA != "" || nc.TLS.InsecureSkipVerify {
		clientTLS, err := transport.ClientTLSConfig(nc.TLS.CA, !nc.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		opts.ClientTLS = clientTLS
	}
	return transport.New(transport.TransportType(nc.Transport), opts)
}

func (n *Node) logMessage(a *actor.Agent, msg *actor.Message) {
	n.logger.Info("message received",
		logging.KeyAgent, a.Name(),
		logging.KeyMessageID, msg.ID,
		"from", msg.From,
		"payload", msg.Payload)
}

// Start begins listening, dials configured peers and starts the health
// endpoint. Dial failures of non-persistent peers are logged, not returned.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrNotRunning
	}

	if addr := n.cfg.Network.Address; addr != "" {
		if err := n.gateway.AdvertiseAddress(addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	var persistent, oneShot []string
	for _, p := range n.cfg.Peers {
		if p.Persistent {
			persistent = append(persistent, p.Address())
		} else {
			oneShot = append(oneShot, p.Address())
		}
	}
	if len(persistent) > 0 {
		n.gateway.KeepConnected(reconnectConfig(n.cfg.Reconnect), persistent...)
	}

	var g errgroup.Group
	for _, addr := range oneShot {
		g.Go(func() error {
			if _, err := n.gateway.AddAddress(ctx, addr); err != nil {
				n.logger.Warn("peer connection failed",
					logging.KeyAddress, addr,
					logging.KeyError, err)
			}
			return nil
		})
	}
	g.Wait()

	if n.cfg.Health.Enabled {
		n.health = health.NewServer(health.ServerConfig{
			Address:      n.cfg.Health.Address,
			ReadTimeout:  n.cfg.Health.ReadTimeout,
			WriteTimeout: n.cfg.Health.WriteTimeout,
			Gatherer:     n.registry,
		}, n)
		n.health.SetRouteProvider(n)
		if err := n.health.Start(); err != nil {
			n.gateway.StopAdvertising()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		n.logger.Info("health server started", logging.KeyAddress, n.health.Address().String())
	}

	n.running.Store(true)
	n.logger.Info("node started",
		logging.KeyAgent, n.cfg.Agent.Name,
		logging.KeyTransport, n.cfg.Network.Transport,
		logging.KeyCount, len(n.locals))
	return nil
}

func reconnectConfig(rc config.ReconnectConfig) peer.ReconnectConfig {
	return peer.ReconnectConfig{
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		MaxAttempts:  rc.MaxRetries,
		Jitter:       rc.Jitter,
	}
}

// Stop shuts every agent down and stops the health endpoint. It returns
// when ctx expires even if shutdown has not finished.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.running.Store(false)
	hs := n.health
	n.mu.Unlock()

	var errs []error
	if hs != nil {
		if err := hs.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		n.graph.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		n.logger.Info("node stopped", logging.KeyAgent, n.cfg.Agent.Name)
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// Gateway returns the SocketAgent.
func (n *Node) Gateway() *agent.SocketAgent { return n.gateway }

// Registry returns the prometheus registry the node's metrics live in.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// HealthAddress returns where the health server listens, or "" if disabled.
func (n *Node) HealthAddress() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.health == nil || n.health.Address() == nil {
		return ""
	}
	return n.health.Address().String()
}

// Agent returns the hosted agent called name. The empty name selects the
// SocketAgent.
func (n *Node) Agent(name string) (*actor.Agent, error) {
	if name == "" || name == n.cfg.Agent.Name {
		return n.gateway.Agent, nil
	}
	for _, a := range n.locals {
		if a.Name() == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
}

// Send originates payload from the hosted agent from. An empty to
// broadcasts.
func (n *Node) Send(from string, to []string, payload string) (*actor.Message, error) {
	a, err := n.Agent(from)
	if err != nil {
		return nil, err
	}
	return a.SendMessage(to, payload)
}

// Route finds a route from the hosted agent from to destination.
func (n *Node) Route(ctx context.Context, from, destination string, backtrack bool) (*routing.Route, error) {
	a, err := n.Agent(from)
	if err != nil {
		return nil, err
	}
	return a.RouteTo(ctx, destination, backtrack)
}

// WaitForPeers blocks until at least count remote links are up.
func (n *Node) WaitForPeers(ctx context.Context, count int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(n.gateway.Connections()) >= count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats implements health.StatsProvider.
func (n *Node) Stats() health.Stats {
	s := n.gateway.Stats()
	out := health.Stats{
		Name:            s.Name,
		ListenAddr:      s.ListenAddr,
		Transport:       s.Transport,
		PeerCount:       len(s.Connections),
		MaxConnections:  s.MaxConnections,
		PermitsInUse:    s.PermitsInUse,
		RouteCount:      s.Routes,
		PendingSearches: s.PendingSearches,
		QueuedMessages:  s.Pending,
	}
	for _, a := range n.locals {
		out.LocalAgents = append(out.LocalAgents, a.Name())
		out.RouteCount += a.Routes().Len()
		out.QueuedMessages += a.Pending()
	}
	for _, c := range s.Connections {
		out.Connections = append(out.Connections, health.ConnectionInfo{
			ID:           c.ID,
			RemoteName:   c.RemoteName,
			RemoteAddr:   c.RemoteAddr,
			Transport:    c.Transport,
			Initiator:    c.Initiator,
			Secure:       c.Secure,
			Compression:  c.Compression,
			PacketsIn:    c.PacketsIn,
			PacketsOut:   c.PacketsOut,
			BytesIn:      c.BytesIn,
			BytesOut:     c.BytesOut,
			Established:  c.Established,
			LastActivity: c.LastActivity,
			RTT:          c.RTT,
		})
	}
	return out
}

// Routes implements health.RouteProvider.
func (n *Node) Routes() map[string]map[string][]string {
	agents := append([]*actor.Agent{n.gateway.Agent}, n.locals...)
	out := make(map[string]map[string][]string, len(agents))
	for _, a := range agents {
		table := make(map[string][]string)
		for dest, r := range a.Routes().Snapshot() {
			table[dest] = slices.Clone(r.Names())
		}
		out[a.Name()] = table
	}
	return out
}
