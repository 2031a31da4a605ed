// Package metrics exposes the orchestrator's Prometheus surface: dispatch
// volume, queue depth, circuit breaker state, and approval outcomes.
//
// Grounded on fairyhunter13-ai-cv-evaluator's internal/adapter/
// observability/metrics.go (CounterVec/GaugeVec-per-concern shape,
// registered against one registry rather than left on the global
// default), with cardinality kept bounded the way the teacher's
// apiPathNormalizers bounds path-label cardinality in server/metrics.go —
// here by labeling on agent id and status enum rather than raw job id or
// task text.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry wraps a dedicated prometheus.Registry so the orchestrator's
// metrics don't collide with anything else registered against the
// process-wide default registry.
type Registry struct {
	registry *prometheus.Registry

	DispatchTotal        *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
	BreakerState         *prometheus.GaugeVec
	ApprovalOutcomeTotal *prometheus.CounterVec
	JobsCompletedTotal   *prometheus.CounterVec
	JobsFailedTotal      *prometheus.CounterVec
	DLQAlertsTotal       *prometheus.CounterVec
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrelay_dispatch_total",
			Help: "Total dispatch tool invocations by target agent and outcome status.",
		}, []string{"target", "status"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobrelay_queue_depth",
			Help: "Current per-agent queue depth by state.",
		}, []string{"agent", "state"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),

		ApprovalOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrelay_approval_outcome_total",
			Help: "Total approval resolutions by outcome.",
		}, []string{"outcome"}),

		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrelay_jobs_completed_total",
			Help: "Total jobs completed by target agent.",
		}, []string{"target"}),

		JobsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrelay_jobs_failed_total",
			Help: "Total jobs permanently failed by target agent.",
		}, []string{"target"}),

		DLQAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrelay_dlq_alerts_total",
			Help: "Total dead-letter alerts sent.",
		}, []string{"target"}),
	}

	r.registry.MustRegister(
		r.DispatchTotal,
		r.QueueDepth,
		r.BreakerState,
		r.ApprovalOutcomeTotal,
		r.JobsCompletedTotal,
		r.JobsFailedTotal,
		r.DLQAlertsTotal,
	)

	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler
// (promhttp.HandlerFor(r.Gatherer(), ...)).
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Breaker state enum values, matching internal/breaker's three states.
const (
	BreakerStateClosed   = 0
	BreakerStateOpen     = 1
	BreakerStateHalfOpen = 2
)

// SetBreakerState records name's current state.
func (r *Registry) SetBreakerState(name string, state float64) {
	r.BreakerState.WithLabelValues(name).Set(state)
}

// SetQueueDepth records agent's current depth for state (waiting, active,
// delayed).
func (r *Registry) SetQueueDepth(agent, state string, depth float64) {
	r.QueueDepth.WithLabelValues(agent, state).Set(depth)
}

// RecordDispatch increments the dispatch counter for target/status.
func (r *Registry) RecordDispatch(target, status string) {
	r.DispatchTotal.WithLabelValues(target, status).Inc()
}

// RecordApprovalOutcome increments the approval outcome counter.
func (r *Registry) RecordApprovalOutcome(outcome string) {
	r.ApprovalOutcomeTotal.WithLabelValues(outcome).Inc()
}

// RecordJobCompleted increments the completed-jobs counter for target.
func (r *Registry) RecordJobCompleted(target string) {
	r.JobsCompletedTotal.WithLabelValues(target).Inc()
}

// RecordJobFailed increments the permanently-failed-jobs counter for
// target.
func (r *Registry) RecordJobFailed(target string) {
	r.JobsFailedTotal.WithLabelValues(target).Inc()
}

// RecordDLQAlert increments the DLQ alert counter for target.
func (r *Registry) RecordDLQAlert(target string) {
	r.DLQAlertsTotal.WithLabelValues(target).Inc()
}
