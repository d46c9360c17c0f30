package aggregate

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics manages Prometheus instrumentation for the aggregation and
// resolution passes.
type PipelineMetrics struct {
	runDuration    *prometheus.HistogramVec
	issuesCreated  prometheus.Counter
	issuesExtended prometheus.Counter
	issuesResolved prometheus.Counter
	recordsLinked  prometheus.Counter
	groupsSkipped  prometheus.Counter
	runErrors      *prometheus.CounterVec
}

var (
	pipelineMetricsInstance *PipelineMetrics
	pipelineMetricsOnce     sync.Once
)

// GetPipelineMetrics returns the singleton pipeline metrics instance.
func GetPipelineMetrics() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetricsInstance = newPipelineMetrics()
	})
	return pipelineMetricsInstance
}

func newPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "faultline",
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Duration of aggregation and resolution passes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pass"},
		),
		issuesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Subsystem: "pipeline",
			Name:      "issues_created_total",
			Help:      "Total repetitive issues created",
		}),
		issuesExtended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Subsystem: "pipeline",
			Name:      "issues_extended_total",
			Help:      "Total occurrence-count extensions of existing issues",
		}),
		issuesResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Subsystem: "pipeline",
			Name:      "issues_resolved_total",
			Help:      "Total issues flipped to solved by the resolution sweep",
		}),
		recordsLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Subsystem: "pipeline",
			Name:      "records_linked_total",
			Help:      "Total structured failures linked to issues",
		}),
		groupsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Subsystem: "pipeline",
			Name:      "groups_below_threshold_total",
			Help:      "Total fingerprint groups left alone because they stayed below the promotion threshold",
		}),
		runErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "faultline",
				Subsystem: "pipeline",
				Name:      "run_errors_total",
				Help:      "Total per-item errors skipped during passes",
			},
			[]string{"pass"},
		),
	}

	prometheus.MustRegister(
		m.runDuration,
		m.issuesCreated,
		m.issuesExtended,
		m.issuesResolved,
		m.recordsLinked,
		m.groupsSkipped,
		m.runErrors,
	)

	return m
}
