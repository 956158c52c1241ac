// Package events provides types.EventSink implementations.
package events

import (
	"context"
	"encoding/json"

	"github.com/amaatouq/turkserver/types"
	"github.com/nats-io/nats.go"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger types.Logger
}

// Compile-time assertion that LogSink implements EventSink.
var _ types.EventSink = (*LogSink)(nil)

// NewLogSink creates a sink that logs every event at Info level.
func NewLogSink(logger types.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the event.
func (s *LogSink) Emit(_ context.Context, event types.Event) {
	s.logger.Info("experiment event",
		"kind", event.Kind,
		"timestamp", event.Timestamp,
		"payload", event.Payload,
	)
}

// NATSSink publishes events as JSON to "<prefix>.events.<kind>".
//
// Publishing is fire-and-forget; failures are logged and never propagated to
// the emitting operation.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger types.Logger
}

// Compile-time assertion that NATSSink implements EventSink.
var _ types.EventSink = (*NATSSink)(nil)

// NewNATSSink creates a sink publishing to subjects under prefix.
func NewNATSSink(nc *nats.Conn, prefix string, logger types.Logger) *NATSSink {
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}
}

// Emit publishes the event.
func (s *NATSSink) Emit(_ context.Context, event types.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event", "kind", event.Kind, "error", err)

		return
	}
	subject := s.prefix + ".events." + event.Kind
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Compile-time assertion that NopSink implements EventSink.
var _ types.EventSink = (*NopSink)(nil)

// NewNop creates a sink that discards everything.
func NewNop() *NopSink {
	return &NopSink{}
}

// Emit discards the event.
func (*NopSink) Emit(context.Context, types.Event) {}
