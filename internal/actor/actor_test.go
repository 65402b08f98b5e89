package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/denobo/internal/routing"
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

func newTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	g := NewGraph(append([]Option{WithIDGenerator(NewSequenceGenerator("m"))}, opts...)...)
	t.Cleanup(g.Shutdown)
	return g
}

func mustAgent(t *testing.T, g *Graph, name string, cloneable bool, opts ...Option) *Agent {
	t.Helper()
	a, err := g.NewAgent(name, cloneable, opts...)
	if err != nil {
		t.Fatalf("NewAgent(%s) error = %v", name, err)
	}
	return a
}

func mustConnect(t *testing.T, g *Graph, pairs ...[2]string) {
	t.Helper()
	for _, p := range pairs {
		if err := g.Connect(p[0], p[1]); err != nil {
			t.Fatalf("Connect(%s, %s) error = %v", p[0], p[1], err)
		}
	}
}

// recorder is a handler that remembers every message it sees.
type recorder struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) HandleMessage(_ *Agent, msg *Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) first() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[0]
}

// shutdownInOrder drains each agent before the next so every message in
// flight has been fully propagated.
func shutdownInOrder(agents ...*Agent) {
	for _, a := range agents {
		a.Shutdown()
	}
}

// ============================================================================
// Delivery
// ============================================================================

func TestLineTopologyDeliversOnce(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)
	b := mustAgent(t, g, "B", false)
	c := mustAgent(t, g, "C", false)
	mustConnect(t, g, [2]string{"A", "B"}, [2]string{"B", "C"})

	recA, recB, recC := &recorder{}, &recorder{}, &recorder{}
	a.AddMessageHandler(recA)
	b.AddMessageHandler(recB)
	c.AddMessageHandler(recC)

	if _, err := a.SendMessage([]string{"C"}, "hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	shutdownInOrder(a, b, c)

	if recC.count() != 1 {
		t.Fatalf("C received %d messages, want 1", recC.count())
	}
	msg := recC.first()
	if msg.From != "A" || msg.Payload != "hi" {
		t.Errorf("C received %+v", msg)
	}
	if recA.count() != 0 {
		t.Errorf("A received its own message %d times", recA.count())
	}
	if recB.count() != 0 {
		t.Errorf("B handled a message not addressed to it")
	}
}

func TestBroadcastReachesEveryoneButSender(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)
	b := mustAgent(t, g, "B", false)
	c := mustAgent(t, g, "C", false)
	// Triangle: every agent sees the message twice and must handle it once.
	mustConnect(t, g, [2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "A"})

	recA, recB, recC := &recorder{}, &recorder{}, &recorder{}
	a.AddMessageHandler(recA)
	b.AddMessageHandler(recB)
	c.AddMessageHandler(recC)

	if _, err := a.Broadcast("all"); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	shutdownInOrder(a, b, c)

	if recA.count() != 0 || recB.count() != 1 || recC.count() != 1 {
		t.Errorf("counts A=%d B=%d C=%d, want 0 1 1", recA.count(), recB.count(), recC.count())
	}
}

func TestRemoveMessageHandler(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)

	rec := &recorder{}
	id := a.AddMessageHandler(rec)
	if !a.RemoveMessageHandler(id) {
		t.Fatal("RemoveMessageHandler() = false")
	}
	if a.RemoveMessageHandler(id) {
		t.Error("second RemoveMessageHandler() = true")
	}

	a.SendMessage([]string{"A"}, "self")
	a.Shutdown()
	if rec.count() != 0 {
		t.Errorf("removed handler received %d messages", rec.count())
	}
}

func TestHandlerPanicDoesNotStopAgent(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)

	var calls atomic.Int32
	a.AddMessageHandler(MessageHandlerFunc(func(_ *Agent, msg *Message) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}))
	rec := &recorder{}
	a.AddMessageHandler(rec)

	a.SendMessage([]string{"A"}, "one")
	a.SendMessage([]string{"A"}, "two")
	a.Shutdown()

	if calls.Load() != 2 {
		t.Errorf("panicking handler called %d times, want 2", calls.Load())
	}
	if rec.count() != 2 {
		t.Errorf("second handler received %d messages, want 2", rec.count())
	}
}

func TestDeliverRelaysToGatewayWithLink(t *testing.T) {
	g := newTestGraph(t)
	gw := &fakeGateway{}
	s := mustAgent(t, g, "S", false, WithGateway(gw))
	b := mustAgent(t, g, "B", false)
	mustConnect(t, g, [2]string{"S", "B"})

	rec := &recorder{}
	b.AddMessageHandler(rec)

	msg := &Message{ID: "remote-1", From: "R", To: []string{"B"}, Payload: "x"}
	if err := s.Deliver(msg, 7); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := s.Deliver(msg, 7); err != nil {
		t.Fatalf("Deliver() duplicate error = %v", err)
	}
	shutdownInOrder(s, b)

	if rec.count() != 1 {
		t.Errorf("B received %d messages, want 1", rec.count())
	}
	relayed := gw.relayedLinks()
	if len(relayed) != 1 || relayed[0] != 7 {
		t.Errorf("gateway relays = %v, want [7]", relayed)
	}
	if gw.closed.Load() != 1 {
		t.Errorf("CloseGateway called %d times, want 1", gw.closed.Load())
	}

	if err := s.Deliver(&Message{}, 1); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Deliver(empty) error = %v", err)
	}
}

// ============================================================================
// Mailbox and pool
// ============================================================================

func trackConcurrency(a *Agent, release <-chan struct{}) (active, peak *atomic.Int32, handled *atomic.Int32) {
	active, peak, handled = &atomic.Int32{}, &atomic.Int32{}, &atomic.Int32{}
	a.AddMessageHandler(MessageHandlerFunc(func(*Agent, *Message) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		handled.Add(1)
	}))
	return active, peak, handled
}

func TestCloneableAgentBoundedPool(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", true, WithCloneWorkers(2))

	release := make(chan struct{})
	active, peak, handled := trackConcurrency(a, release)

	for i := 0; i < 5; i++ {
		a.SendMessage([]string{"A"}, "work")
	}

	waitFor(t, 2*time.Second, func() bool { return active.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}

	close(release)
	a.Shutdown()
	if handled.Load() != 5 {
		t.Errorf("handled = %d, want 5", handled.Load())
	}
}

func TestNonCloneableAgentSerializes(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)

	release := make(chan struct{})
	close(release)
	_, peak, handled := trackConcurrency(a, release)

	for i := 0; i < 20; i++ {
		a.SendMessage([]string{"A"}, "work")
	}
	a.Shutdown()

	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
	if handled.Load() != 20 {
		t.Errorf("handled = %d, want 20", handled.Load())
	}
}

func TestMailboxDrainsAfterClose(t *testing.T) {
	m := newMailbox()
	m.push(envelope{sender: "1"})
	m.push(envelope{sender: "2"})
	if !m.close() || m.close() {
		t.Fatal("close() should succeed exactly once")
	}
	if m.push(envelope{sender: "3"}) {
		t.Error("push() accepted after close")
	}

	for _, want := range []string{"1", "2"} {
		env, ok := m.take()
		if !ok || env.sender != want {
			t.Fatalf("take() = %q, %v; want %q", env.sender, ok, want)
		}
	}
	if _, ok := m.take(); ok {
		t.Error("take() on closed empty mailbox returned ok")
	}
}

func TestMailboxTakeBlocksUntilPush(t *testing.T) {
	m := newMailbox()
	got := make(chan string, 1)
	go func() {
		env, _ := m.take()
		got <- env.sender
	}()

	select {
	case <-got:
		t.Fatal("take() returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	m.push(envelope{sender: "x"})
	select {
	case s := <-got:
		if s != "x" {
			t.Errorf("take() = %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("take() did not wake")
	}
}

// ============================================================================
// Lifecycle and graph
// ============================================================================

func TestShutdownTwice(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", true)
	b := mustAgent(t, g, "B", false)
	mustConnect(t, g, [2]string{"A", "B"})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Shutdown()
		}()
	}
	wg.Wait()
	a.Shutdown()

	if a.State() != StateShutDown {
		t.Errorf("State() = %s, want shut-down", a.State())
	}
	if g.Lookup("A") != nil {
		t.Error("shut down agent still in graph")
	}
	if n := b.ConnectedAgents(); len(n) != 0 {
		t.Errorf("B still linked to %v", n)
	}
	if _, err := a.SendMessage([]string{"B"}, "late"); !errors.Is(err, ErrShutdown) {
		t.Errorf("SendMessage() after shutdown error = %v", err)
	}
	if err := g.Connect("A", "B"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Connect() to removed agent error = %v", err)
	}
}

func TestGraphErrors(t *testing.T) {
	g := newTestGraph(t)
	mustAgent(t, g, "A", false)

	if _, err := g.NewAgent("A", false); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate NewAgent error = %v", err)
	}
	if _, err := g.NewAgent("", false); !errors.Is(err, ErrEmptyName) {
		t.Errorf("empty NewAgent error = %v", err)
	}
	if err := g.Connect("A", "A"); !errors.Is(err, ErrSelfLoop) {
		t.Errorf("self loop error = %v", err)
	}
	if err := g.Connect("A", "Z"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unknown agent error = %v", err)
	}

	other := NewGraph()
	defer other.Shutdown()
	x, _ := other.NewAgent("X", false)
	if err := g.Lookup("A").ConnectAgent(x); !errors.Is(err, ErrForeignAgent) {
		t.Errorf("foreign agent error = %v", err)
	}
}

func TestConnectRefusesShuttingDownAgent(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)
	mustAgent(t, g, "B", false)

	// Close the mailbox without completing shutdown.
	a.mbox.close()
	if err := g.Connect("A", "B"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Connect() error = %v, want ErrShutdown", err)
	}
}

func TestConnectRefusesAgentClosingGateway(t *testing.T) {
	g := newTestGraph(t)
	gw := &fakeGateway{hold: make(chan struct{})}
	s := mustAgent(t, g, "S", false, WithGateway(gw))
	x := mustAgent(t, g, "X", false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Shutdown()
	}()
	defer func() {
		close(gw.hold)
		<-done
	}()
	waitFor(t, 2*time.Second, func() bool { return gw.closed.Load() == 1 })

	if s.State() != StateShuttingDown {
		t.Fatalf("State() = %s, want shutting-down", s.State())
	}
	if err := x.ConnectAgent(s); !errors.Is(err, ErrShutdown) {
		t.Errorf("ConnectAgent() error = %v, want ErrShutdown", err)
	}
	if g.Connected("X", "S") {
		t.Error("link into a shutting-down agent was created")
	}
}

func TestWaitIdleWithLateWorker(t *testing.T) {
	g := newTestGraph(t)

	first := make(chan struct{})
	late := make(chan struct{})
	g.goWorker("first", func() { <-first })

	idle := make(chan struct{})
	go func() {
		g.WaitIdle()
		close(idle)
	}()

	// A worker started while WaitIdle is blocked is also awaited.
	g.goWorker("late", func() { <-late })
	close(first)

	select {
	case <-idle:
		t.Fatal("WaitIdle() returned with a worker still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(late)
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle() did not return after workers finished")
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)
	b := mustAgent(t, g, "B", false)
	c := mustAgent(t, g, "C", false)

	if err := a.ConnectAgent(b); err != nil {
		t.Fatal(err)
	}
	if err := a.ConnectAgent(c); err != nil {
		t.Fatal(err)
	}
	if got := a.ConnectedAgents(); len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("ConnectedAgents() = %v", got)
	}
	if !g.Connected("B", "A") {
		t.Error("link is not symmetric")
	}

	if err := b.DisconnectAgent(a); err != nil {
		t.Fatal(err)
	}
	if err := b.DisconnectAgent(a); err != nil {
		t.Errorf("second DisconnectAgent() error = %v", err)
	}
	if g.Connected("A", "B") {
		t.Error("link survived DisconnectAgent")
	}
	g.WaitIdle()
}

// ============================================================================
// History and ids
// ============================================================================

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)

	for _, id := range []string{"a", "b", "c"} {
		if !h.CheckAndRecord(id) {
			t.Fatalf("CheckAndRecord(%s) = false on first sight", id)
		}
	}
	if h.CheckAndRecord("b") {
		t.Error("CheckAndRecord(b) = true for a duplicate")
	}
	if h.Len() != 3 || h.Cap() != 3 {
		t.Errorf("Len/Cap = %d/%d", h.Len(), h.Cap())
	}

	h.Update("d")
	if h.Has("a") {
		t.Error("oldest id not evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !h.Has(id) {
			t.Errorf("Has(%s) = false", id)
		}
	}

	// a is forgotten and therefore new again
	if !h.CheckAndRecord("a") {
		t.Error("evicted id still treated as seen")
	}
}

func TestHistoryRepeatedUpdate(t *testing.T) {
	h := NewHistory(2)
	h.Update("x")
	h.Update("x")
	h.Update("y")

	// one copy of x was evicted, the other is still in the ring
	if !h.Has("x") {
		t.Error("x lost while a copy is still in the ring")
	}
	h.Update("z")
	if h.Has("x") {
		t.Error("x should be gone once both copies are evicted")
	}
}

func TestHistoryConcurrent(t *testing.T) {
	h := NewHistory(64)
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.CheckAndRecord("shared") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	if fresh.Load() != 1 {
		t.Errorf("CheckAndRecord reported new %d times, want 1", fresh.Load())
	}
}

func TestIDGenerators(t *testing.T) {
	seq := NewSequenceGenerator("agent")
	if id := seq.NewID(); id != "agent-1" {
		t.Errorf("first id = %q", id)
	}
	if id := seq.NewID(); id != "agent-2" {
		t.Errorf("second id = %q", id)
	}

	u := UUIDGenerator{}
	a, b := u.NewID(), u.NewID()
	if len(a) != 36 || a == b {
		t.Errorf("uuid ids %q %q", a, b)
	}
}

func TestSendMessageSkipsSeenIDs(t *testing.T) {
	g := newTestGraph(t, WithIDGenerator(NewSequenceGenerator("dup")))
	a := mustAgent(t, g, "A", false)
	a.History().Update("dup-1")

	msg, err := a.SendMessage(nil, "x")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "dup-2" {
		t.Errorf("ID = %q, want dup-2", msg.ID)
	}
}

// ============================================================================
// Message
// ============================================================================

func TestMessageRecipients(t *testing.T) {
	direct := &Message{ID: "1", From: "A", To: []string{"B", "C"}}
	if !direct.IsRecipient("C") || direct.IsRecipient("A") || direct.IsBroadcast() {
		t.Error("direct message recipients wrong")
	}

	broadcast := &Message{ID: "2", From: "A"}
	if !broadcast.IsBroadcast() || !broadcast.IsRecipient("Z") || broadcast.IsRecipient("A") {
		t.Error("broadcast recipients wrong")
	}
}

func TestMessageParams(t *testing.T) {
	msg := &Message{ID: "id-1", From: "A", To: []string{"B", "C"}, Payload: "a=b&c"}
	got, err := MessageFromParams(msg.Params())
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID || got.From != msg.From || got.Payload != msg.Payload || len(got.To) != 2 {
		t.Errorf("decoded %+v", got)
	}

	bad := msg.Params()
	bad.Set("id", "")
	if _, err := MessageFromParams(bad); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("missing id error = %v", err)
	}
}

// ============================================================================
// RouteTo convenience
// ============================================================================

func TestRouteToStoresRoute(t *testing.T) {
	g := newTestGraph(t)
	a := mustAgent(t, g, "A", false)
	mustAgent(t, g, "B", false)
	mustAgent(t, g, "C", false)
	mustConnect(t, g, [2]string{"A", "B"}, [2]string{"B", "C"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	route, err := a.RouteTo(ctx, "C", false)
	if err != nil {
		t.Fatalf("RouteTo() error = %v", err)
	}
	if !route.Equal(routing.MustRoute("A", "B", "C")) {
		t.Errorf("route = %s", route)
	}
	stored, ok := a.Routes().Get("C")
	if !ok || !stored.Equal(route) {
		t.Errorf("stored route = %v, %v", stored, ok)
	}
}
