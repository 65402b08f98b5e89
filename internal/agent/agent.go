// Package agent implements the SocketAgent: an actor agent that federates
// remote Denobo processes. It owns the listener, the admission limiter and
// the set of live connections, and bridges messages, route searches and
// invalidation crawls between the local graph and its peers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/metrics"
	"github.com/postalsys/denobo/internal/peer"
	"github.com/postalsys/denobo/internal/protocol"
	"github.com/postalsys/denobo/internal/recovery"
	"github.com/postalsys/denobo/internal/transport"
)

var (
	// ErrNoPermit is returned when every connection permit is in use.
	ErrNoPermit = errors.New("no free connection permit")

	// ErrClosed is returned when using a SocketAgent that has shut down.
	ErrClosed = errors.New("socket agent closed")

	// ErrSelfConnection is returned when a dialed peer turns out to be this agent.
	ErrSelfConnection = errors.New("connected to self")

	// ErrAdvertising is returned when a concurrent AdvertiseAddress won the
	// race to install its listener.
	ErrAdvertising = errors.New("already advertising")
)

// Defaults for Config.
const (
	DefaultMaxConnections = 16
	DefaultRouteTimeout   = 30 * time.Second
	DefaultAcceptBurst    = 32
)

// acceptBackoff is the pause after a transient accept error.
const acceptBackoff = 50 * time.Millisecond

// Config configures a SocketAgent.
type Config struct {
	// MaxConnections bounds concurrently served peers, inbound and outbound.
	MaxConnections int

	// Credentials answers credential requests from peers we dial.
	Credentials peer.CredentialsHandler

	// MasterCredentials is required from peers that dial us when set.
	MasterCredentials string

	// Secure requires encrypted links.
	Secure bool

	KeyExchange string
	Compression string

	// Transport carries connections. Defaults to TCP.
	Transport transport.Transport

	HandshakeTimeout time.Duration
	PokeTimeout      time.Duration

	// PokeInterval enables periodic liveness probes. Peers that miss a probe
	// are disconnected. Zero disables probing.
	PokeInterval time.Duration

	// RouteTimeout fails remote route searches that get no answer.
	RouteTimeout time.Duration

	// AcceptRate limits accepted connections per second. Zero disables it.
	AcceptRate  float64
	AcceptBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SocketAgent is an Agent that also relays traffic to remote peers.
type SocketAgent struct {
	*actor.Agent

	name      string
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport transport.Transport
	limiter   *Limiter
	throttle  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conns      map[uint64]*peer.Connection
	live       map[uint64]bool
	listener   net.Listener
	acceptStop chan struct{}
	acceptDone chan struct{}
	closed     bool

	observers observerSet
	searches  *searchRegistry

	reconnectMu  sync.Mutex
	reconnectors []*peer.Reconnector

	wg sync.WaitGroup
}

// New creates a SocketAgent named name in g.
func New(g *actor.Graph, name string, cloneable bool, cfg Config, opts ...actor.Option) (*SocketAgent, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = DefaultRouteTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewTCPTransport(transport.DefaultOptions())
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = DefaultAcceptBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	sa := &SocketAgent{
		name:      name,
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "socket_agent").With(logging.KeyAgent, name),
		metrics:   cfg.Metrics,
		transport: cfg.Transport,
		limiter:   NewLimiter(cfg.MaxConnections, cfg.Metrics),
		throttle:  rate.NewLimiter(rate.Inf, cfg.AcceptBurst),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[uint64]*peer.Connection),
		live:      make(map[uint64]bool),
	}
	if cfg.AcceptRate > 0 {
		sa.throttle.SetLimit(rate.Limit(cfg.AcceptRate))
	}
	sa.searches = newSearchRegistry(cfg.RouteTimeout)

	opts = append(opts, actor.WithGateway(sa))
	if cfg.Logger != nil {
		opts = append([]actor.Option{actor.WithLogger(cfg.Logger)}, opts...)
	}
	if cfg.Metrics != nil {
		opts = append([]actor.Option{actor.WithMetrics(cfg.Metrics)}, opts...)
	}
	a, err := g.NewAgent(name, cloneable, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	sa.Agent = a

	if cfg.PokeInterval > 0 {
		sa.goTracked(sa.pokeLoop)
	}
	return sa, nil
}

// Limiter returns the admission limiter.
func (sa *SocketAgent) Limiter() *Limiter { return sa.limiter }

// AddObserver registers o and returns an id for RemoveObserver.
func (sa *SocketAgent) AddObserver(o Observer) ObserverID {
	return sa.observers.add(o)
}

// RemoveObserver unregisters an observer.
func (sa *SocketAgent) RemoveObserver(id ObserverID) bool {
	return sa.observers.remove(id)
}

// ============================================================================
// Listening
// ============================================================================

// AdvertiseConnection listens on every interface at port.
func (sa *SocketAgent) AdvertiseConnection(port int) error {
	return sa.AdvertiseAddress(net.JoinHostPort("", strconv.Itoa(port)))
}

// AdvertiseAddress starts accepting peers on addr. A previous listener and
// every connection are torn down first.
func (sa *SocketAgent) AdvertiseAddress(addr string) error {
	sa.StopAdvertising()
	sa.disconnectAll()

	ln, err := sa.transport.Listen(addr)
	if err != nil {
		return err
	}

	sa.mu.Lock()
	if sa.closed || sa.listener != nil {
		closed := sa.closed
		sa.mu.Unlock()
		ln.Close()
		if closed {
			return ErrClosed
		}
		return ErrAdvertising
	}
	sa.listener = ln
	sa.acceptStop = make(chan struct{})
	sa.acceptDone = make(chan struct{})
	go sa.acceptLoop(ln, sa.acceptStop, sa.acceptDone)
	sa.mu.Unlock()

	sa.logger.Info("advertising",
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyTransport, string(sa.transport.Type()))
	sa.observers.each(func(o Observer) { o.AdvertisingStarted(sa, ln.Addr()) })
	return nil
}

// ListenAddr returns the bound address, or nil when not advertising.
func (sa *SocketAgent) ListenAddr() net.Addr {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.listener == nil {
		return nil
	}
	return sa.listener.Addr()
}

// StopAdvertising closes the listener and waits for the accept loop to
// exit. Established connections stay up.
func (sa *SocketAgent) StopAdvertising() {
	sa.mu.Lock()
	ln, stop, done := sa.listener, sa.acceptStop, sa.acceptDone
	sa.listener, sa.acceptStop, sa.acceptDone = nil, nil, nil
	sa.mu.Unlock()

	if ln == nil {
		return
	}
	close(stop)
	ln.Close()
	<-done

	sa.logger.Info("stopped advertising", logging.KeyLocalAddr, ln.Addr().String())
	sa.observers.each(func(o Observer) { o.AdvertisingStopped(sa, ln.Addr()) })
}

func (sa *SocketAgent) acceptLoop(ln net.Listener, stop, done chan struct{}) {
	defer close(done)
	defer recovery.RecoverWithLog(sa.logger, "accept loop")

	ctx, cancel := context.WithCancel(sa.ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := sa.throttle.Wait(ctx); err != nil {
			return
		}

		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			sa.logger.Debug("accept error", logging.KeyError, err)
			select {
			case <-time.After(acceptBackoff):
			case <-stop:
				return
			}
			continue
		}

		if !sa.goTracked(func() { sa.handleIncoming(nc) }) {
			nc.Close()
			return
		}
	}
}

func (sa *SocketAgent) handleIncoming(nc net.Conn) {
	defer recovery.RecoverWithLog(sa.logger, "incoming connection")

	conn, err := peer.NewConnection(nc, false, sa.peerConfig())
	if err != nil {
		sa.logger.Warn("failed to set up connection", logging.KeyError, err)
		nc.Close()
		return
	}

	release, ok := sa.limiter.TryAcquire()
	if !ok {
		sa.metrics.RecordPeerRejected()
		sa.logger.Info("rejecting peer, no free permit",
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			logging.KeyCount, sa.limiter.Size())
		conn.RejectTooManyPeers(sa.ctx)
		return
	}
	conn.SetRelease(release)

	if !sa.track(conn) {
		conn.Disconnect()
		return
	}
	if _, err := conn.Handshake(sa.ctx); err != nil {
		sa.untrack(conn)
		sa.logger.Info("inbound handshake failed",
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			logging.KeyError, err)
		return
	}
	if !sa.activate(conn) {
		return
	}

	sa.logger.Info("peer connected",
		logging.KeyPeer, conn.RemoteName(),
		logging.KeyRemoteAddr, conn.RemoteAddr())
	sa.observers.each(func(o Observer) { o.IncomingConnectionAccepted(sa, conn) })
}

// ============================================================================
// Dialing
// ============================================================================

// AddConnection dials host:port and completes the handshake.
func (sa *SocketAgent) AddConnection(ctx context.Context, host string, port int) (*peer.Connection, error) {
	return sa.AddAddress(ctx, transport.HostPort(host, port))
}

// AddAddress dials addr and completes the handshake. A permit is held only
// while the resulting connection is up.
func (sa *SocketAgent) AddAddress(ctx context.Context, addr string) (*peer.Connection, error) {
	conn, err := sa.dial(ctx, addr)
	if err != nil {
		sa.logger.Info("connection failed", logging.KeyAddress, addr, logging.KeyError, err)
		sa.observers.each(func(o Observer) { o.ConnectionAddFailed(sa, addr, err) })
		return nil, err
	}

	sa.logger.Info("connected to peer",
		logging.KeyPeer, conn.RemoteName(),
		logging.KeyAddress, addr)
	sa.observers.each(func(o Observer) { o.ConnectionAddSucceeded(sa, addr, conn) })
	return conn, nil
}

func (sa *SocketAgent) dial(ctx context.Context, addr string) (*peer.Connection, error) {
	if sa.isClosed() {
		return nil, ErrClosed
	}
	release, ok := sa.limiter.TryAcquire()
	if !ok {
		return nil, ErrNoPermit
	}

	nc, err := sa.transport.Dial(ctx, addr)
	if err != nil {
		release()
		return nil, err
	}
	conn, err := peer.NewConnection(nc, true, sa.peerConfig())
	if err != nil {
		nc.Close()
		release()
		return nil, err
	}
	conn.SetRelease(release)

	if !sa.track(conn) {
		conn.Disconnect()
		return nil, ErrClosed
	}

	// The dial context also bounds the handshake.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sa.ctx, cancel)
	defer stop()

	if _, err := conn.Handshake(hctx); err != nil {
		sa.untrack(conn)
		return nil, err
	}
	if conn.RemoteName() == sa.name {
		sa.untrack(conn)
		conn.Disconnect()
		return nil, fmt.Errorf("%w: %s", ErrSelfConnection, addr)
	}
	if !sa.activate(conn) {
		return nil, ErrClosed
	}
	return conn, nil
}

func (sa *SocketAgent) peerConfig() peer.Config {
	return peer.Config{
		LocalName:         sa.name,
		Credentials:       sa.cfg.Credentials,
		MasterCredentials: sa.cfg.MasterCredentials,
		Secure:            sa.cfg.Secure,
		KeyExchange:       sa.cfg.KeyExchange,
		Compression:       sa.cfg.Compression,
		Transport:         string(sa.transport.Type()),
		HandshakeTimeout:  sa.cfg.HandshakeTimeout,
		PokeTimeout:       sa.cfg.PokeTimeout,
		Logger:            sa.cfg.Logger,
		Metrics:           sa.metrics,
	}
}

// ============================================================================
// Connection set
// ============================================================================

// track registers a connection that is still handshaking so shutdown can
// reach it.
func (sa *SocketAgent) track(conn *peer.Connection) bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.closed {
		return false
	}
	sa.conns[conn.ID()] = conn
	return true
}

func (sa *SocketAgent) untrack(conn *peer.Connection) bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if _, ok := sa.conns[conn.ID()]; !ok {
		return false
	}
	delete(sa.conns, conn.ID())
	delete(sa.live, conn.ID())
	return true
}

// activate hooks a handshaken connection into the agent and starts its
// receive loop.
func (sa *SocketAgent) activate(conn *peer.Connection) bool {
	conn.AddObserver(peer.ObserverFuncs{
		OnPacket: sa.handlePacket,
		OnClosed: sa.connectionClosed,
	})

	sa.mu.Lock()
	if sa.closed {
		sa.mu.Unlock()
		sa.untrack(conn)
		conn.Disconnect()
		return false
	}
	sa.live[conn.ID()] = true
	sa.mu.Unlock()

	conn.Start()
	return true
}

// liveConnections returns a snapshot of connections that finished their
// handshake, ordered by id.
func (sa *SocketAgent) liveConnections() []*peer.Connection {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	out := make([]*peer.Connection, 0, len(sa.live))
	for id := range sa.live {
		if c, ok := sa.conns[id]; ok {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out
}

// Connections returns the live connections.
func (sa *SocketAgent) Connections() []*peer.Connection {
	return sa.liveConnections()
}

// ConnectionTo returns a live connection to the named remote agent.
func (sa *SocketAgent) ConnectionTo(remote string) *peer.Connection {
	for _, c := range sa.liveConnections() {
		if c.RemoteName() == remote {
			return c
		}
	}
	return nil
}

func (sa *SocketAgent) connection(id uint64) *peer.Connection {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if !sa.live[id] {
		return nil
	}
	return sa.conns[id]
}

func (sa *SocketAgent) connectionClosed(conn *peer.Connection, err error) {
	if !sa.untrack(conn) {
		return
	}
	remote := conn.RemoteName()
	sa.searches.failConnection(conn.ID(), fmt.Errorf("%w: link to %s", peer.ErrClosed, remote))

	sa.logger.Info("peer disconnected", logging.KeyPeer, remote, logging.KeyError, err)

	if !sa.isClosed() && remote != "" {
		actor.NewUndertaker([]*actor.Agent{sa.Agent}, sa.name, remote, nil).Start()
	}
	sa.observers.each(func(o Observer) { o.ConnectionClosed(sa, conn, err) })
}

func (sa *SocketAgent) disconnectAll() {
	sa.mu.Lock()
	conns := make([]*peer.Connection, 0, len(sa.conns))
	for _, c := range sa.conns {
		conns = append(conns, c)
	}
	sa.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
		// Connections still handshaking have no observer yet.
		sa.untrack(c)
	}
}

func (sa *SocketAgent) isClosed() bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.closed
}

// ============================================================================
// Liveness
// ============================================================================

func (sa *SocketAgent) pokeLoop() {
	defer recovery.RecoverWithLog(sa.logger, "poke loop")

	ticker := time.NewTicker(sa.cfg.PokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sa.ctx.Done():
			return
		case <-ticker.C:
		}
		for _, c := range sa.liveConnections() {
			if _, err := c.Poke(sa.ctx); errors.Is(err, peer.ErrPokeTimeout) {
				sa.logger.Warn("peer missed poke, disconnecting", logging.KeyPeer, c.RemoteName())
				c.Disconnect()
			}
		}
	}
}

// ============================================================================
// Gateway
// ============================================================================

// CloseGateway stops listening, disconnects every peer and fails pending
// route searches. It is called by Shutdown.
func (sa *SocketAgent) CloseGateway() {
	sa.StopAdvertising()

	sa.mu.Lock()
	if sa.closed {
		sa.mu.Unlock()
		return
	}
	sa.closed = true
	sa.mu.Unlock()

	sa.cancel()

	sa.reconnectMu.Lock()
	reconnectors := sa.reconnectors
	sa.reconnectors = nil
	sa.reconnectMu.Unlock()
	for _, r := range reconnectors {
		r.Stop()
	}

	sa.disconnectAll()
	sa.wg.Wait()
	sa.searches.failAll(ErrClosed)
	sa.logger.Debug("gateway closed")
}

// Relay sends msg to every peer except the one it arrived from.
func (sa *SocketAgent) Relay(msg *actor.Message, link uint64) {
	params := msg.Params()
	for _, c := range sa.liveConnections() {
		if c.ID() == link {
			continue
		}
		if err := c.Send(protocol.CodePropagate, params); err != nil {
			sa.logger.Debug("relay failed",
				logging.KeyPeer, c.RemoteName(),
				logging.KeyMessageID, msg.ID,
				logging.KeyError, err)
			continue
		}
		sa.metrics.RecordMessageRelayed()
	}
}

// ============================================================================
// Stats
// ============================================================================

// Stats is a point-in-time view of a SocketAgent.
type Stats struct {
	Name            string
	ListenAddr      string
	Transport       string
	MaxConnections  int
	PermitsInUse    int
	Connections     []peer.Stats
	Neighbors       []string
	Routes          int
	PendingSearches int
	Pending         int
}

// Stats returns current counters.
func (sa *SocketAgent) Stats() Stats {
	s := Stats{
		Name:            sa.name,
		Transport:       string(sa.transport.Type()),
		MaxConnections:  sa.limiter.Size(),
		PermitsInUse:    sa.limiter.InUse(),
		Neighbors:       sa.ConnectedAgents(),
		Routes:          sa.Routes().Len(),
		PendingSearches: sa.searches.len(),
		Pending:         sa.Agent.Pending(),
	}
	if addr := sa.ListenAddr(); addr != nil {
		s.ListenAddr = addr.String()
	}
	for _, c := range sa.liveConnections() {
		s.Connections = append(s.Connections, c.Stats())
	}
	return s
}
