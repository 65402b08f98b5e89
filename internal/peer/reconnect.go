package peer

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/recovery"
)

// ReconnectConfig controls how dropped outbound links are re-dialed.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns the defaults used for configured peers.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Delay returns the un-jittered wait before the given attempt (0-indexed).
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 || c.Multiplier <= 1 {
		return c.InitialDelay
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// DialFunc establishes a live link to addr.
type DialFunc func(ctx context.Context, addr string) error

type pendingDial struct {
	attempts int
	timer    *time.Timer
}

// Reconnector re-dials addresses with exponential backoff until the dial
// succeeds, the attempt limit is hit, or the address is cancelled.
type Reconnector struct {
	cfg    ReconnectConfig
	dial   DialFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingDial
	wg      sync.WaitGroup
}

// NewReconnector creates a reconnector that calls dial for every attempt.
func NewReconnector(cfg ReconnectConfig, dial DialFunc, logger *slog.Logger) *Reconnector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		cfg:     cfg,
		dial:    dial,
		logger:  logging.Component(logger, "reconnect"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingDial),
	}
}

// Schedule queues a dial to addr. Scheduling an address that is already
// pending is a no-op.
func (r *Reconnector) Schedule(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return
	}
	if _, ok := r.pending[addr]; ok {
		return
	}
	pd := &pendingDial{}
	r.pending[addr] = pd
	r.armLocked(addr, pd)
}

func (r *Reconnector) armLocked(addr string, pd *pendingDial) {
	delay := r.jitter(r.cfg.Delay(pd.attempts))
	pd.timer = time.AfterFunc(delay, func() { r.attempt(addr, pd) })
}

func (r *Reconnector) attempt(addr string, pd *pendingDial) {
	r.mu.Lock()
	if r.pending[addr] != pd || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	pd.attempts++
	r.wg.Add(1)
	r.mu.Unlock()

	var err error
	func() {
		defer r.wg.Done()
		defer recovery.RecoverWithLog(r.logger, "reconnect dial")
		err = r.dial(r.ctx, addr)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[addr] != pd {
		return
	}
	if err == nil {
		r.logger.Info("reconnected", logging.KeyAddress, addr, logging.KeyCount, pd.attempts)
		delete(r.pending, addr)
		return
	}
	if r.cfg.MaxAttempts > 0 && pd.attempts >= r.cfg.MaxAttempts {
		r.logger.Warn("giving up on peer", logging.KeyAddress, addr, logging.KeyError, err)
		delete(r.pending, addr)
		return
	}
	r.logger.Debug("reconnect failed", logging.KeyAddress, addr,
		logging.KeyCount, pd.attempts, logging.KeyError, err)
	if r.ctx.Err() == nil {
		r.armLocked(addr, pd)
	}
}

func (r *Reconnector) jitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 || d <= 0 {
		return d
	}
	span := float64(d) * r.cfg.Jitter
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*span)
	if out < 0 {
		return d
	}
	return out
}

// Cancel drops any pending dial to addr.
func (r *Reconnector) Cancel(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pd, ok := r.pending[addr]; ok {
		pd.timer.Stop()
		delete(r.pending, addr)
	}
}

// Attempts returns how many dials have been made for a pending address.
func (r *Reconnector) Attempts(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pd, ok := r.pending[addr]; ok {
		return pd.attempts
	}
	return 0
}

// IsPending reports whether addr is waiting to be re-dialed.
func (r *Reconnector) IsPending(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[addr]
	return ok
}

// Stop cancels every pending dial and waits for in-flight ones to return.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.cancel()
	for addr, pd := range r.pending {
		pd.timer.Stop()
		delete(r.pending, addr)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
