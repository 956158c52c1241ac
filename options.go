package turkserver

import (
	"time"

	"github.com/amaatouq/turkserver/types"
)

// Option configures a Batch with optional dependencies.
type Option func(*batchOptions)

// batchOptions holds optional Batch configuration.
type batchOptions struct {
	logger     types.Logger
	metrics    types.MetricsCollector
	sink       types.EventSink
	clock      func() time.Time
	authorizer types.Authorizer
}

// WithLogger sets a logger.
//
// Example:
//
//	logger := logging.NewSlog(slog.Default())
//	batch, err := turkserver.NewBatch(cfg, store, turkserver.WithLogger(logger))
func WithLogger(logger types.Logger) Option {
	return func(o *batchOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "turkserver")
//	batch, err := turkserver.NewBatch(cfg, store, turkserver.WithMetrics(collector))
func WithMetrics(collector types.MetricsCollector) Option {
	return func(o *batchOptions) {
		o.metrics = collector
	}
}

// WithEventSink sets the destination for lifecycle events.
//
// Example:
//
//	sink := events.NewNATSSink(nc, "turkserver.pilot-1", logger)
//	batch, err := turkserver.NewBatch(cfg, store, turkserver.WithEventSink(sink))
func WithEventSink(sink types.EventSink) Option {
	return func(o *batchOptions) {
		o.sink = sink
	}
}

// WithClock sets the time source. Tests inject a settable clock; production
// code uses the default time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *batchOptions) {
		o.clock = clock
	}
}

// WithAuthorizer guards connection handling: connections are rejected with a
// 403-class error when the predicate denies the "connect" operation. Nil
// (the default) admits everyone.
func WithAuthorizer(authorizer types.Authorizer) Option {
	return func(o *batchOptions) {
		o.authorizer = authorizer
	}
}
