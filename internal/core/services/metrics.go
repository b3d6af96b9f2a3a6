package services

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics counts what the query pipeline does. A nil *PipelineMetrics
// is valid and records nothing.
type PipelineMetrics struct {
	queries     *prometheus.CounterVec
	plotActions prometheus.Counter
	charts      prometheus.Counter
	failures    prometheus.Counter
	duration    prometheus.Histogram
}

// NewPipelineMetrics registers the pipeline collectors on registry. It
// returns nil when registry is nil.
func NewPipelineMetrics(registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		return nil
	}

	m := &PipelineMetrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datalens_queries_total",
				Help: "Total number of handled queries by outcome",
			},
			[]string{"outcome"},
		),
		plotActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datalens_plot_actions_total",
			Help: "Total number of extracted actions classified as plotting code",
		}),
		charts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datalens_charts_rendered_total",
			Help: "Total number of charts produced by plot execution",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datalens_execution_failures_total",
			Help: "Total number of plot executions that failed",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datalens_pipeline_duration_seconds",
			Help:    "Time spent turning a reasoning trace into a response",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(m.queries, m.plotActions, m.charts, m.failures, m.duration)
	return m
}

// Outcome labels for datalens_queries_total.
const (
	OutcomeText  = "text"
	OutcomeChart = "chart"
	OutcomeCode  = "code"
	OutcomeError = "execution_error"
)

func (m *PipelineMetrics) observeQuery(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}

func (m *PipelineMetrics) incPlotAction() {
	if m != nil {
		m.plotActions.Inc()
	}
}

func (m *PipelineMetrics) incChart() {
	if m != nil {
		m.charts.Inc()
	}
}

func (m *PipelineMetrics) incFailure() {
	if m != nil {
		m.failures.Inc()
	}
}
