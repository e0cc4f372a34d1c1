package service

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/resource"
)

// Option configures a Service.
type Option func(*config)

type config struct {
	journal    Journal
	log        *slog.Logger
	ids        resource.IDGenerator
	history    int
	maxVisits  int
	metrics    *Metrics
	now        func() time.Time
	reapTicks  <-chan time.Time
	reapPolicy resource.Policy
}

func defaultConfig() config {
	return config{
		log:       slog.Default(),
		ids:       resource.UUIDv7Generator{},
		history:   resource.DefaultHistory,
		maxVisits: collection.DefaultMaxVisits,
	}
}

// WithJournal persists input commits to j and replays them on start.
func WithJournal(j Journal) Option {
	return func(c *config) {
		c.journal = j
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithIDGenerator sets the generator for fork and subscription ids.
//
// Default: resource.UUIDv7Generator
// Use testutil.NewSequenceGenerator for deterministic tests.
func WithIDGenerator(g resource.IDGenerator) Option {
	return func(c *config) {
		c.ids = g
	}
}

// WithHistory sets how many touching commits each instance retains for
// watermark resumption.
//
// Default: 64 (resource.DefaultHistory)
func WithHistory(n int) Option {
	return func(c *config) {
		c.history = n
	}
}

// WithMaxVisits bounds node visits per propagation.
//
// Default: 100000 (collection.DefaultMaxVisits)
func WithMaxVisits(n int) Option {
	return func(c *config) {
		c.maxVisits = n
	}
}

// WithMetrics registers the service collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.metrics = NewMetrics(reg)
	}
}

// WithNow sets the time source for instance last-access tracking.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithIdleReaper reaps idle unsubscribed instances on every tick.
// The service stops reading ticks when it is closed.
//
// Example: WithIdleReaper(time.NewTicker(time.Minute).C, resource.IdleFor(10*time.Minute))
func WithIdleReaper(ticks <-chan time.Time, p resource.Policy) Option {
	return func(c *config) {
		c.reapTicks = ticks
		c.reapPolicy = p
	}
}
