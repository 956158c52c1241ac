// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/amaatouq/turkserver/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external metrics
// collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordAssignment discards the admission counter.
func (*NopMetrics) RecordAssignment(_ /* policy */ string) {}

// RecordInstanceCreated discards the instance creation counter.
func (*NopMetrics) RecordInstanceCreated(_ /* batchID */ string) {}

// RecordInstanceEnded discards the instance duration observation.
func (*NopMetrics) RecordInstanceEnded(_ /* batchID */ string, _ /* seconds */ float64) {}

// SetLobbySize discards the lobby size gauge.
func (*NopMetrics) SetLobbySize(_ /* batchID */ string, _ /* size */ int) {}

// RecordSignal discards the signal counter.
func (*NopMetrics) RecordSignal(_ /* name */ string) {}

// RecordWorkerState discards the worker state transition counter.
func (*NopMetrics) RecordWorkerState(_ types.WorkerState) {}
