package metrics

import (
	"sync"

	"github.com/amaatouq/turkserver/types"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	assignments      *prometheus.CounterVec
	instancesCreated *prometheus.CounterVec
	instanceDuration *prometheus.HistogramVec
	lobbySize        *prometheus.GaugeVec
	signals          *prometheus.CounterVec
	workerStates     *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus-backed metrics collector.
//
// Uses prometheus.DefaultRegisterer when reg is nil and the "turkserver"
// namespace when namespace is empty.
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "turkserver"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "assignments_total",
			Help:      "Total participant admissions by assignment policy.",
		}, []string{"policy"})

		p.instancesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "instances_created_total",
			Help:      "Total experiment instances created by batch.",
		}, []string{"batch"})

		p.instanceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      "instance_duration_seconds",
			Help:      "Duration of ended experiment instances in seconds.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"batch"})

		p.lobbySize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      "lobby_size",
			Help:      "Current number of participants waiting in the lobby.",
		}, []string{"batch"})

		p.signals = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "lobby_signals_total",
			Help:      "Total lobby signal emissions by signal name.",
		}, []string{"signal"})

		p.workerStates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Total worker state transitions by target state.",
		}, []string{"state"})

		p.reg.MustRegister(
			p.assignments,
			p.instancesCreated,
			p.instanceDuration,
			p.lobbySize,
			p.signals,
			p.workerStates,
		)
	})
}

// RecordAssignment counts one participant admission by policy name.
func (p *PrometheusCollector) RecordAssignment(policy string) {
	p.ensureRegistered()
	p.assignments.WithLabelValues(policy).Inc()
}

// RecordInstanceCreated counts one instance creation.
func (p *PrometheusCollector) RecordInstanceCreated(batchID string) {
	p.ensureRegistered()
	p.instancesCreated.WithLabelValues(batchID).Inc()
}

// RecordInstanceEnded observes the duration of an ended instance.
func (p *PrometheusCollector) RecordInstanceEnded(batchID string, seconds float64) {
	p.ensureRegistered()
	p.instanceDuration.WithLabelValues(batchID).Observe(seconds)
}

// SetLobbySize records the current lobby membership count.
func (p *PrometheusCollector) SetLobbySize(batchID string, size int) {
	p.ensureRegistered()
	p.lobbySize.WithLabelValues(batchID).Set(float64(size))
}

// RecordSignal counts one lobby signal emission.
func (p *PrometheusCollector) RecordSignal(name string) {
	p.ensureRegistered()
	p.signals.WithLabelValues(name).Inc()
}

// RecordWorkerState counts one worker state transition.
func (p *PrometheusCollector) RecordWorkerState(state types.WorkerState) {
	p.ensureRegistered()
	p.workerStates.WithLabelValues(string(state)).Inc()
}
