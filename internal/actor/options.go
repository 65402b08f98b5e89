package actor

import (
	"log/slog"

	"github.com/postalsys/denobo/internal/metrics"
)

const (
	// DefaultCloneWorkers bounds concurrent handler dispatch for a cloneable agent.
	DefaultCloneWorkers = 64

	// DefaultMaxRouteHops bounds the depth of a local route search.
	DefaultMaxRouteHops = 32
)

type options struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	ids          IDGenerator
	historySize  int
	cloneWorkers int
	maxRouteHops int
	gateway      Gateway
}

func defaultOptions() options {
	return options{
		ids:          UUIDGenerator{},
		historySize:  DefaultHistorySize,
		cloneWorkers: DefaultCloneWorkers,
		maxRouteHops: DefaultMaxRouteHops,
	}
}

// Option configures a Graph or an individual Agent. Options given to
// NewGraph become defaults for every agent it creates.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics sink. Nil disables recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDGenerator sets the message id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *options) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithHistorySize sets how many message ids each agent remembers.
func WithHistorySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithCloneWorkers bounds concurrent handler dispatch on cloneable agents.
// When all workers are busy the mailbox worker waits for one to finish, so
// further messages accumulate in the mailbox. A value <= 0 removes the bound.
func WithCloneWorkers(n int) Option {
	return func(o *options) { o.cloneWorkers = n }
}

// WithMaxRouteHops bounds the number of links a local route search explores.
func WithMaxRouteHops(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRouteHops = n
		}
	}
}

// WithGateway marks the agent as an exit point to remote peers.
// It has no effect on a Graph.
func WithGateway(gw Gateway) Option {
	return func(o *options) { o.gateway = gw }
}
