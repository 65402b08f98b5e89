package agent

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/postalsys/denobo/internal/metrics"
)

// Limiter bounds the number of connections a SocketAgent serves at once.
// Acquisition never blocks; a full limiter rejects immediately.
type Limiter struct {
	sem     *semaphore.Weighted
	size    int
	inUse   atomic.Int64
	metrics *metrics.Metrics
}

// NewLimiter creates a limiter with size permits.
func NewLimiter(size int, m *metrics.Metrics) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		metrics: m,
	}
}

// TryAcquire takes a permit if one is free. The returned release func gives
// it back; calling it more than once has no further effect.
func (l *Limiter) TryAcquire() (release func(), ok bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.metrics.SetPermitsInUse(int(l.inUse.Add(1)))

	var once sync.Once
	return func() {
		once.Do(func() {
			l.metrics.SetPermitsInUse(int(l.inUse.Add(-1)))
			l.sem.Release(1)
		})
	}, true
}

// Size returns the total number of permits.
func (l *Limiter) Size() int { return l.size }

// InUse returns the number of permits currently held.
func (l *Limiter) InUse() int { return int(l.inUse.Load()) }

// Available returns the number of free permits.
func (l *Limiter) Available() int { return l.size - l.InUse() }
