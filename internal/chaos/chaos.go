// Package chaos injects faults into Denobo links for resilience testing.
package chaos

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/denobo/internal/agent"
	"github.com/postalsys/denobo/internal/transport"
)

// ErrInjected is returned by a write that the injector chose to fail.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means no fault was chosen.
	FaultNone FaultType = iota - 1
	// FaultDisconnect drops the connection.
	FaultDisconnect
	// FaultDelay adds latency to a write.
	FaultDelay
)

func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultNone:
		return "none"
	default:
		return "fault(" + strconv.Itoa(int(t)) + ")"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides when faults happen. Configs are tried in order and
// the first one that fires wins.
type FaultInjector struct {
	mu      sync.Mutex
	configs []FaultConfig
	enabled bool
	rng     *rand.Rand
	hits    map[FaultType]int64
}

// NewFaultInjector creates an enabled injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(rand.Uint64(), configs...)
}

// NewSeededFaultInjector creates an injector with a reproducible sequence.
func NewSeededFaultInjector(seed uint64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs: configs,
		enabled: true,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		hits:    make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Next picks the fault for one operation and, for FaultDelay, how long to
// wait.
func (f *FaultInjector) Next() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return FaultNone, 0
	}
	for _, c := range f.configs {
		if f.rng.Float64() >= c.Probability {
			continue
		}
		f.hits[c.Type]++
		if c.Type == FaultDelay {
			return FaultDelay, f.delayLocked(c.MinDelay, c.MaxDelay)
		}
		return c.Type, 0
	}
	return FaultNone, 0
}

func (f *FaultInjector) delayLocked(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(f.rng.Int64N(int64(hi-lo)))
}

// Hits returns how often each fault fired.
func (f *FaultInjector) Hits() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[FaultType]int64, len(f.hits))
	for k, v := range f.hits {
		out[k] = v
	}
	return out
}

// Reset clears the hit counters.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits = make(map[FaultType]int64)
}

func (f *FaultInjector) intn(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.IntN(n)
}

// Transport wraps another transport so every connection it makes or
// accepts consults the injector before each write.
type Transport struct {
	transport.Transport
	inj *FaultInjector
}

// WrapTransport returns inner with fault injection.
func WrapTransport(inner transport.Transport, inj *FaultInjector) *Transport {
	return &Transport{Transport: inner, inj: inj}
}

// Dial connects through the inner transport.
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	c, err := t.Transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &faultConn{Conn: c, inj: t.inj}, nil
}

// Listen listens through the inner transport.
func (t *Transport) Listen(addr string) (net.Listener, error) {
	ln, err := t.Transport.Listen(addr)
	if err != nil {
		return nil, err
	}
	return &faultListener{Listener: ln, inj: t.inj}, nil
}

type faultListener struct {
	net.Listener
	inj *FaultInjector
}

func (l *faultListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &faultConn{Conn: c, inj: l.inj}, nil
}

type faultConn struct {
	net.Conn
	inj *FaultInjector
}

func (c *faultConn) Write(p []byte) (int, error) {
	switch fault, d := c.inj.Next(); fault {
	case FaultDisconnect:
		c.Conn.Close()
		return 0, ErrInjected
	case FaultDelay:
		time.Sleep(d)
	}
	return c.Conn.Write(p)
}

// Event records one action of the Monkey.
type Event struct {
	Time   time.Time
	Agent  string
	Peer   string
	ConnID uint64
}

// Monkey periodically severs a random live link of the SocketAgents it
// watches, subject to the injector's FaultDisconnect probability.
type Monkey struct {
	interval time.Duration
	inj      *FaultInjector

	mu      sync.Mutex
	targets []*agent.SocketAgent
	stop    chan struct{}
	wg      sync.WaitGroup
	events  chan Event
}

// NewMonkey creates a stopped Monkey.
func NewMonkey(interval time.Duration, inj *FaultInjector) *Monkey {
	return &Monkey{
		interval: interval,
		inj:      inj,
		events:   make(chan Event, 100),
	}
}

// AddTarget adds a SocketAgent whose links may be severed.
func (m *Monkey) AddTarget(sa *agent.SocketAgent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, sa)
}

// Start runs the Monkey until Stop or ctx is done.
func (m *Monkey) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(ctx, m.stop)
}

// Stop stops the Monkey and waits for it.
func (m *Monkey) Stop() {
	m.mu.Lock()
	if m.stop == nil {
		m.mu.Unlock()
		return
	}
	close(m.stop)
	m.stop = nil
	m.mu.Unlock()

	m.wg.Wait()
}

// Events delivers severed links. Events are dropped when nobody reads.
func (m *Monkey) Events() <-chan Event {
	return m.events
}

func (m *Monkey) run(ctx context.Context, stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.strike()
		}
	}
}

func (m *Monkey) strike() {
	m.mu.Lock()
	targets := append([]*agent.SocketAgent(nil), m.targets...)
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	if fault, _ := m.inj.Next(); fault != FaultDisconnect {
		return
	}

	sa := targets[m.inj.intn(len(targets))]
	conns := sa.Connections()
	if len(conns) == 0 {
		return
	}
	conn := conns[m.inj.intn(len(conns))]
	conn.Disconnect()

	select {
	case m.events <- Event{Time: time.Now(), Agent: sa.Name(), Peer: conn.RemoteName(), ConnID: conn.ID()}:
	default:
	}
}
