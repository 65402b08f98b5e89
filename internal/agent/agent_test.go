package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/compression"
	"github.com/postalsys/denobo/internal/crypto"
	"github.com/postalsys/denobo/internal/metrics"
	"github.com/postalsys/denobo/internal/peer"
	"github.com/postalsys/denobo/internal/routing"
	"github.com/postalsys/denobo/internal/transport"
)

// ============================================================================
// Helpers
// ============================================================================

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// process is one simulated Denobo process: a graph with a SocketAgent.
type process struct {
	graph *actor.Graph
	gw    *SocketAgent
}

func newProcess(t *testing.T, name string, cfg Config) *process {
	t.Helper()
	g := actor.NewGraph()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	sa, err := New(g, name, false, cfg)
	if err != nil {
		t.Fatalf("New(%s) error = %v", name, err)
	}
	t.Cleanup(g.Shutdown)
	return &process{graph: g, gw: sa}
}

// local adds a plain agent linked to the gateway.
func (p *process) local(t *testing.T, name string) *actor.Agent {
	t.Helper()
	a, err := p.graph.NewAgent(name, false)
	if err != nil {
		t.Fatalf("NewAgent(%s) error = %v", name, err)
	}
	if err := a.ConnectAgent(p.gw.Agent); err != nil {
		t.Fatalf("ConnectAgent(%s) error = %v", name, err)
	}
	return a
}

func (p *process) listen(t *testing.T) string {
	t.Helper()
	if err := p.gw.AdvertiseAddress("127.0.0.1:0"); err != nil {
		t.Fatalf("AdvertiseAddress() error = %v", err)
	}
	return p.gw.ListenAddr().String()
}

func (p *process) dial(t *testing.T, addr string) *peer.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.gw.AddAddress(ctx, addr)
	if err != nil {
		t.Fatalf("AddAddress(%s) error = %v", addr, err)
	}
	return conn
}

// link joins two processes and waits until both sides see the connection.
func link(t *testing.T, from, to *process) {
	t.Helper()
	addr := to.gw.ListenAddr()
	if addr == nil {
		t.Fatalf("%s is not advertising", to.gw.Name())
	}
	from.dial(t, addr.String())
	waitFor(t, 2*time.Second, func() bool {
		return to.gw.ConnectionTo(from.gw.Name()) != nil
	})
}

type recorder struct {
	mu   sync.Mutex
	msgs []*actor.Message
}

func (r *recorder) HandleMessage(_ *actor.Agent, msg *actor.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) first() *actor.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[0]
}

// ============================================================================
// Limiter
// ============================================================================

func TestLimiter(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	l := NewLimiter(2, m)

	r1, ok := l.TryAcquire()
	if !ok {
		t.Fatal("first TryAcquire failed")
	}
	r2, ok := l.TryAcquire()
	if !ok {
		t.Fatal("second TryAcquire failed")
	}
	if _, ok := l.TryAcquire(); ok {
		t.Fatal("third TryAcquire succeeded on a full limiter")
	}
	if got := testutil.ToFloat64(m.PermitsInUse); got != 2 {
		t.Errorf("PermitsInUse = %v, want 2", got)
	}

	r1()
	r1()
	if got := l.InUse(); got != 1 {
		t.Errorf("InUse() = %d after double release, want 1", got)
	}
	if got := l.Available(); got != 1 {
		t.Errorf("Available() = %d, want 1", got)
	}
	r2()
	if got := testutil.ToFloat64(m.PermitsInUse); got != 0 {
		t.Errorf("PermitsInUse = %v, want 0", got)
	}
}

func TestLimiterMinimumSize(t *testing.T) {
	if got := NewLimiter(0, nil).Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}

// ============================================================================
// Listening and dialing
// ============================================================================

func TestAdvertiseAndStop(t *testing.T) {
	p := newProcess(t, "gw", Config{})

	var started, stopped int
	var mu sync.Mutex
	p.gw.AddObserver(ObserverFuncs{
		OnAdvertisingStarted: func(*SocketAgent, net.Addr) { mu.Lock(); started++; mu.Unlock() },
		OnAdvertisingStopped: func(*SocketAgent, net.Addr) { mu.Lock(); stopped++; mu.Unlock() },
	})

	p.listen(t)
	if p.gw.ListenAddr() == nil {
		t.Fatal("ListenAddr() = nil while advertising")
	}
	p.gw.StopAdvertising()
	p.gw.StopAdvertising()
	if p.gw.ListenAddr() != nil {
		t.Error("ListenAddr() != nil after StopAdvertising")
	}

	mu.Lock()
	defer mu.Unlock()
	if started != 1 || stopped != 1 {
		t.Errorf("started=%d stopped=%d, want 1 and 1", started, stopped)
	}
}

func TestAddConnectionObservers(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	addr := b.listen(t)

	succeeded := make(chan string, 1)
	incoming := make(chan string, 1)
	a.gw.AddObserver(ObserverFuncs{
		OnAddSucceeded: func(_ *SocketAgent, addr string, conn *peer.Connection) {
			succeeded <- conn.RemoteName()
		},
	})
	b.gw.AddObserver(ObserverFuncs{
		OnIncoming: func(_ *SocketAgent, conn *peer.Connection) {
			incoming <- conn.RemoteName()
		},
	})

	conn := a.dial(t, addr)
	if conn.RemoteName() != "gw-b" {
		t.Errorf("RemoteName() = %q, want gw-b", conn.RemoteName())
	}
	if got := <-succeeded; got != "gw-b" {
		t.Errorf("AddSucceeded remote = %q", got)
	}
	select {
	case got := <-incoming:
		if got != "gw-a" {
			t.Errorf("Incoming remote = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no IncomingConnectionAccepted")
	}

	stats := a.gw.Stats()
	if len(stats.Connections) != 1 || stats.PermitsInUse != 1 {
		t.Errorf("Stats() = %+v, want one connection and one permit", stats)
	}
}

func TestAddConnectionRefused(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})

	failed := make(chan error, 1)
	a.gw.AddObserver(ObserverFuncs{
		OnAddFailed: func(_ *SocketAgent, _ string, err error) { failed <- err },
	})

	// Bind and release a port so nothing listens on it.
	b := newProcess(t, "gw-b", Config{})
	addr := b.listen(t)
	b.gw.StopAdvertising()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.gw.AddAddress(ctx, addr); err == nil {
		t.Fatal("AddAddress() to closed port succeeded")
	}
	if err := <-failed; err == nil {
		t.Error("AddFailed reported nil error")
	}
	if got := a.gw.Limiter().InUse(); got != 0 {
		t.Errorf("permits in use = %d after failed dial, want 0", got)
	}
}

func TestSelfConnectionRejected(t *testing.T) {
	p := newProcess(t, "gw", Config{})
	addr := p.listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.gw.AddAddress(ctx, addr)
	if !errors.Is(err, ErrSelfConnection) {
		t.Fatalf("AddAddress(self) error = %v, want ErrSelfConnection", err)
	}
}

func TestBadCredentialsReportsAddFailed(t *testing.T) {
	a := newProcess(t, "gw-a", Config{Credentials: peer.StaticCredentials{Password: "wrong"}})
	b := newProcess(t, "gw-b", Config{MasterCredentials: "secret"})
	addr := b.listen(t)

	failed := make(chan error, 1)
	a.gw.AddObserver(ObserverFuncs{
		OnAddFailed: func(_ *SocketAgent, _ string, err error) { failed <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.gw.AddAddress(ctx, addr); !errors.Is(err, peer.ErrBadCredentials) {
		t.Fatalf("AddAddress() error = %v, want ErrBadCredentials", err)
	}
	if err := <-failed; !errors.Is(err, peer.ErrBadCredentials) {
		t.Errorf("AddFailed error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return b.gw.Limiter().InUse() == 0 })
}

// ============================================================================
// Admission
// ============================================================================

func TestTooManyPeers(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{MaxConnections: 1, Metrics: m})
	c := newProcess(t, "gw-c", Config{})
	addr := b.listen(t)

	alice := a.local(t, "alice")
	bob := b.local(t, "bob")
	rec := &recorder{}
	bob.AddMessageHandler(rec)

	link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.gw.AddAddress(ctx, addr); !errors.Is(err, peer.ErrTooManyPeers) {
		t.Fatalf("third process AddAddress() error = %v, want ErrTooManyPeers", err)
	}
	waitFor(t, 2*time.Second, func() bool { return testutil.ToFloat64(m.PeersRejected) == 1 })

	// The admitted connection keeps working.
	if _, err := alice.SendMessage([]string{"bob"}, "still here"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })

	// Freeing the permit lets the next peer in.
	a.gw.Shutdown()
	waitFor(t, 2*time.Second, func() bool { return b.gw.Limiter().InUse() == 0 })
	c.dial(t, addr)
}

func TestShutdownCutsRejectedSilentPeer(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{MaxConnections: 1, Metrics: m, HandshakeTimeout: 30 * time.Second})
	addr := b.listen(t)
	link(t, a, b)

	// A peer that connects and never greets.
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer nc.Close()
	waitFor(t, 2*time.Second, func() bool { return testutil.ToFloat64(m.PeersRejected) == 1 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.gw.Shutdown()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() waited on the rejected peer's handshake timeout")
	}
}

// gatedTransport holds the first Listen call until release is closed.
type gatedTransport struct {
	transport.Transport
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Listen(addr string) (net.Listener, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.Transport.Listen(addr)
}

func TestAdvertiseRace(t *testing.T) {
	gt := &gatedTransport{
		Transport: transport.NewTCPTransport(transport.DefaultOptions()),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	p := newProcess(t, "gw", Config{Transport: gt})

	errc := make(chan error, 1)
	go func() { errc <- p.gw.AdvertiseAddress("127.0.0.1:0") }()
	<-gt.entered

	if err := p.gw.AdvertiseAddress("127.0.0.1:0"); err != nil {
		t.Fatalf("AdvertiseAddress() error = %v", err)
	}
	close(gt.release)

	if err := <-errc; !errors.Is(err, ErrAdvertising) {
		t.Errorf("losing AdvertiseAddress() error = %v, want ErrAdvertising", err)
	}
	if p.gw.ListenAddr() == nil {
		t.Error("winning listener was dropped")
	}
}

func TestPermitsRestoredAfterShutdown(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	c := newProcess(t, "gw-c", Config{})
	b.listen(t)
	c.listen(t)

	link(t, a, b)
	link(t, a, c)
	if got := a.gw.Limiter().InUse(); got != 2 {
		t.Fatalf("permits in use = %d, want 2", got)
	}

	a.gw.Shutdown()
	a.gw.Shutdown()

	if got := a.gw.Limiter().InUse(); got != 0 {
		t.Errorf("permits in use after Shutdown = %d, want 0", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		return b.gw.Limiter().InUse() == 0 && c.gw.Limiter().InUse() == 0
	})
	if _, err := a.gw.AddAddress(context.Background(), b.gw.ListenAddr().String()); !errors.Is(err, ErrClosed) {
		t.Errorf("AddAddress() after Shutdown error = %v, want ErrClosed", err)
	}
}

// ============================================================================
// Delivery
// ============================================================================

func TestDeliveryAcrossProcesses(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)

	alice := a.local(t, "alice")
	bob := b.local(t, "bob")
	rec := &recorder{}
	bob.AddMessageHandler(rec)

	link(t, a, b)

	if _, err := alice.SendMessage([]string{"bob"}, "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })

	msg := rec.first()
	if msg.From != "alice" || msg.Payload != "hello" {
		t.Errorf("got %+v", msg)
	}
}

func TestBroadcastAcrossThreeProcesses(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	c := newProcess(t, "gw-c", Config{})
	b.listen(t)
	c.listen(t)

	alice := a.local(t, "alice")
	bob := b.local(t, "bob")
	carol := c.local(t, "carol")
	bobRec, carolRec := &recorder{}, &recorder{}
	bob.AddMessageHandler(bobRec)
	carol.AddMessageHandler(carolRec)

	// A triangle: every message reaches each process over two links.
	link(t, a, b)
	link(t, b, c)
	link(t, a, c)

	if _, err := alice.Broadcast("hi all"); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return bobRec.count() >= 1 && carolRec.count() >= 1 })

	// Duplicates arriving over the second link are dropped.
	time.Sleep(100 * time.Millisecond)
	if bobRec.count() != 1 || carolRec.count() != 1 {
		t.Errorf("bob=%d carol=%d deliveries, want 1 each", bobRec.count(), carolRec.count())
	}
}

func TestSecureCompressedDelivery(t *testing.T) {
	cfg := Config{Secure: true, KeyExchange: crypto.KeyExchangeX25519, Compression: compression.Zstd}
	a := newProcess(t, "gw-a", cfg)
	b := newProcess(t, "gw-b", cfg)
	b.listen(t)

	alice := a.local(t, "alice")
	bob := b.local(t, "bob")
	rec := &recorder{}
	bob.AddMessageHandler(rec)

	link(t, a, b)

	conn := a.gw.ConnectionTo("gw-b")
	if !conn.Secure() || conn.Compression() != compression.Zstd {
		t.Fatalf("link secure=%v compression=%q", conn.Secure(), conn.Compression())
	}

	if _, err := alice.SendMessage([]string{"bob"}, "top secret"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	if got := rec.first().Payload; got != "top secret" {
		t.Errorf("Payload = %q", got)
	}
}

// ============================================================================
// Routing
// ============================================================================

func TestRemoteRouteSearch(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)

	alice := a.local(t, "alice")
	bob := b.local(t, "bob")
	link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	route, err := alice.RouteTo(ctx, "bob", true)
	if err != nil {
		t.Fatalf("RouteTo(bob) error = %v", err)
	}

	want := routing.MustRoute("alice", "gw-a", "gw-b", "bob")
	if !route.Equal(want) {
		t.Errorf("route = %s, want %s", route, want)
	}
	if stored, ok := alice.Routes().Get("bob"); !ok || !stored.Equal(want) {
		t.Errorf("alice stored route = %v", stored)
	}

	back, ok := bob.Routes().Get("alice")
	if !ok {
		t.Fatal("bob has no backtrack route to alice")
	}
	if !back.Equal(want.Reverse()) {
		t.Errorf("backtrack route = %s, want %s", back, want.Reverse())
	}
}

func TestRemoteRouteToGateway(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)

	alice := a.local(t, "alice")
	link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	route, err := alice.RouteTo(ctx, "gw-b", true)
	if err != nil {
		t.Fatalf("RouteTo(gw-b) error = %v", err)
	}
	if want := routing.MustRoute("alice", "gw-a", "gw-b"); !route.Equal(want) {
		t.Errorf("route = %s, want %s", route, want)
	}
	if !b.gw.Routes().Has("alice") {
		t.Error("gw-b has no backtrack route to alice")
	}
}

func TestRemoteRouteSearchNoRoute(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)

	alice := a.local(t, "alice")
	b.local(t, "bob")
	link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.RouteTo(ctx, "nobody", false); !errors.Is(err, actor.ErrNoRoute) {
		t.Fatalf("RouteTo(nobody) error = %v, want ErrNoRoute", err)
	}
	waitFor(t, time.Second, func() bool { return a.gw.Stats().PendingSearches == 0 })
}

func TestSearchRegistryTimeout(t *testing.T) {
	r := newSearchRegistry(20 * time.Millisecond)
	result := actor.NewRouteResult("far")

	r.register(7, result)
	select {
	case <-result.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("search never timed out")
	}
	if _, err := result.Outcome(); !errors.Is(err, ErrRouteTimeout) {
		t.Errorf("Outcome() error = %v, want ErrRouteTimeout", err)
	}
	if r.len() != 0 {
		t.Errorf("len() = %d after timeout", r.len())
	}
}

func TestSearchRegistrySettleOnce(t *testing.T) {
	r := newSearchRegistry(time.Minute)
	result := actor.NewRouteResult("bob")

	id := r.register(1, result)
	route := routing.MustRoute("alice", "bob")
	if !r.settle(id, route, nil) {
		t.Fatal("first settle returned false")
	}
	if r.settle(id, nil, errors.New("late")) {
		t.Error("second settle returned true")
	}
	got, err := result.Outcome()
	if err != nil || !got.Equal(route) {
		t.Errorf("Outcome() = %v, %v", got, err)
	}
}

func TestSearchRegistryFailConnection(t *testing.T) {
	r := newSearchRegistry(time.Minute)
	r1 := actor.NewRouteResult("x")
	r2 := actor.NewRouteResult("y")
	r.register(1, r1)
	r.register(2, r2)

	if n := r.failConnection(1, peer.ErrClosed); n != 1 {
		t.Errorf("failConnection() = %d, want 1", n)
	}
	if _, err := r1.Outcome(); !errors.Is(err, peer.ErrClosed) {
		t.Errorf("r1 error = %v", err)
	}
	if r.len() != 1 {
		t.Errorf("len() = %d, want 1", r.len())
	}
	r.failAll(ErrClosed)
	<-r2.Done()
}

// ============================================================================
// Invalidation
// ============================================================================

func TestRemoteInvalidation(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)

	alice := a.local(t, "alice")
	bob := b.local(t, "bob")
	link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.RouteTo(ctx, "bob", false); err != nil {
		t.Fatalf("RouteTo(bob) error = %v", err)
	}

	if err := b.gw.DisconnectAgent(bob); err != nil {
		t.Fatalf("DisconnectAgent() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !alice.Routes().Has("bob") })
}

func TestLinkLossInvalidatesRoutes(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)

	alice := a.local(t, "alice")
	b.local(t, "bob")
	link(t, a, b)

	closed := make(chan error, 1)
	a.gw.AddObserver(ObserverFuncs{
		OnClosed: func(_ *SocketAgent, _ *peer.Connection, err error) { closed <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.RouteTo(ctx, "bob", false); err != nil {
		t.Fatalf("RouteTo(bob) error = %v", err)
	}

	b.gw.Shutdown()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionClosed not reported")
	}
	waitFor(t, 2*time.Second, func() bool { return !alice.Routes().Has("bob") })
	if len(a.gw.Connections()) != 0 {
		t.Errorf("Connections() = %d after peer shutdown", len(a.gw.Connections()))
	}
}

// ============================================================================
// Liveness and reconnect
// ============================================================================

func TestKeepConnectedRedials(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	b := newProcess(t, "gw-b", Config{})
	addr := b.listen(t)

	r := a.gw.KeepConnected(peer.ReconnectConfig{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}, addr)

	waitFor(t, 2*time.Second, func() bool { return a.gw.ConnectionTo("gw-b") != nil })

	// Drop the link from the far side; the reconnector brings it back.
	first := a.gw.ConnectionTo("gw-b")
	b.gw.ConnectionTo("gw-a").Disconnect()
	waitFor(t, 2*time.Second, func() bool {
		c := a.gw.ConnectionTo("gw-b")
		return c != nil && c.ID() != first.ID()
	})
	waitFor(t, 2*time.Second, func() bool { return !r.IsPending(addr) })
}

func TestPokeLoopKeepsHealthyLinks(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	a := newProcess(t, "gw-a", Config{PokeInterval: 20 * time.Millisecond, PokeTimeout: time.Second, Metrics: m})
	b := newProcess(t, "gw-b", Config{})
	b.listen(t)
	link(t, a, b)

	waitFor(t, 2*time.Second, func() bool { return testutil.ToFloat64(m.PokesRecv) >= 2 })
	if a.gw.ConnectionTo("gw-b") == nil {
		t.Error("healthy link dropped by poke loop")
	}
}

// ============================================================================
// Shutdown
// ============================================================================

func TestShutdownTwice(t *testing.T) {
	a := newProcess(t, "gw-a", Config{})
	a.listen(t)

	done := make(chan struct{})
	go func() {
		a.gw.Shutdown()
		a.gw.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if a.gw.ListenAddr() != nil {
		t.Error("still advertising after Shutdown")
	}
	if err := a.gw.AdvertiseAddress("127.0.0.1:0"); !errors.Is(err, ErrClosed) {
		t.Errorf("AdvertiseAddress() after Shutdown error = %v, want ErrClosed", err)
	}
}

func TestDuplicateName(t *testing.T) {
	g := actor.NewGraph()
	t.Cleanup(g.Shutdown)
	if _, err := New(g, "gw", false, Config{}); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(g, "gw", false, Config{}); err == nil {
		t.Error("New() with a duplicate name succeeded")
	}
}
