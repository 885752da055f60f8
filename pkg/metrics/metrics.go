// Package metrics collects Prometheus telemetry for run execution, approvals,
// leases and compliance verification.
//
// All recording methods are safe on a nil *Collector so packages can run
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "choreo"

// Step and lock outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSimulated = "simulated"
	OutcomeReplayed  = "replayed"
	OutcomeAcquired  = "acquired"
	OutcomeContended = "contended"
	OutcomeError     = "error"
)

// Collector holds the registered collectors.
type Collector struct {
	registry *prometheus.Registry

	runsTriggered    *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	stepInvocations  *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	lockAcquisitions *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	chainViolations  *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.runsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "triggered_total",
			Help:      "Runs created, by trigger type.",
		},
		[]string{"trigger_type"},
	)

	c.runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs reaching a terminal status.",
		},
		[]string{"status"},
	)

	c.stepInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "invocations_total",
			Help:      "Step action invocations, by provider, action and outcome.",
		},
		[]string{"provider", "action", "outcome"},
	)

	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "duration_seconds",
			Help:      "Step execution time including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	c.lockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Run lease acquisition attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	c.approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "decided_total",
			Help:      "Approvals leaving the pending state, by final state.",
		},
		[]string{"state"},
	)

	c.chainViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "violations_total",
			Help:      "Compliance chain and anchor verification failures, by kind.",
		},
		[]string{"kind"},
	)

	c.registry.MustRegister(
		c.runsTriggered,
		c.runsFinished,
		c.stepInvocations,
		c.stepDuration,
		c.lockAcquisitions,
		c.approvals,
		c.chainViolations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RunTriggered(triggerType string) {
	if c == nil {
		return
	}

	c.runsTriggered.WithLabelValues(triggerType).Inc()
}

func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}

	c.runsFinished.WithLabelValues(status).Inc()
}

func (c *Collector) StepInvoked(provider, action, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}

	c.stepInvocations.WithLabelValues(provider, action, outcome).Inc()
	c.stepDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (c *Collector) LockAcquire(outcome string) {
	if c == nil {
		return
	}

	c.lockAcquisitions.WithLabelValues(outcome).Inc()
}

func (c *Collector) ApprovalDecided(state string) {
	if c == nil {
		return
	}

	c.approvals.WithLabelValues(state).Inc()
}

func (c *Collector) ComplianceViolations(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}

	c.chainViolations.WithLabelValues(kind).Add(float64(n))
}
