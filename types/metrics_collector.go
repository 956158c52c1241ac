package types

// MetricsCollector receives operational metrics from the core.
//
// Implementations must be safe for concurrent use. The internal/metrics
// package provides Prometheus-backed and no-op collectors.
type MetricsCollector interface {
	// RecordAssignment counts one participant admission by policy name.
	RecordAssignment(policy string)

	// RecordInstanceCreated counts one instance creation.
	RecordInstanceCreated(batchID string)

	// RecordInstanceEnded observes the duration of an ended instance in seconds.
	RecordInstanceEnded(batchID string, seconds float64)

	// SetLobbySize records the current lobby membership count.
	SetLobbySize(batchID string, size int)

	// RecordSignal counts one lobby signal emission by name.
	RecordSignal(name string)

	// RecordWorkerState counts one worker state transition.
	RecordWorkerState(state WorkerState)
}
