package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StageStatusSuccess = "success"
	StageStatusFailed  = "failed"
	StageStatusReplay  = "replay"
)

// PipelineMetrics tracks stage outcomes, row volumes and data quality.
type PipelineMetrics struct {
	stageRuns           *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	stageRows           *prometheus.CounterVec
	dataQuality         *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// NewPipelineMetricsForTest builds pipeline metrics on a private registry.
func NewPipelineMetricsForTest(registerer prometheus.Registerer) *PipelineMetrics {
	return newPipelineMetrics(registerer, Config{ServiceName: "meterflow", Environment: "test"})
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.labels()

	stageRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterflow_stage_runs_total",
		Help:        "Pipeline stage invocations by outcome.",
		ConstLabels: constLabels,
	}, []string{"stage", "status"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "meterflow_stage_duration_seconds",
		Help:        "Pipeline stage latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"stage"})
	stageRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterflow_stage_rows_total",
		Help:        "Rows written or evaluated by pipeline stages.",
		ConstLabels: constLabels,
	}, []string{"stage", "kind"})
	dataQuality := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterflow_data_quality_total",
		Help:        "Rows skipped for data-quality reasons.",
		ConstLabels: constLabels,
	}, []string{"stage", "reason"})
	invariantViolations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterflow_invariant_violations_total",
		Help:        "Integrity checks that failed.",
		ConstLabels: constLabels,
	}, []string{"check"})

	registerer.MustRegister(stageRuns, stageDuration, stageRows, dataQuality, invariantViolations)

	return &PipelineMetrics{
		stageRuns:           stageRuns,
		stageDuration:       stageDuration,
		stageRows:           stageRows,
		dataQuality:         dataQuality,
		invariantViolations: invariantViolations,
	}
}

// ObserveStage records one stage invocation outcome and its latency.
func (m *PipelineMetrics) ObserveStage(stage, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// AddRows increments row counters for a stage.
func (m *PipelineMetrics) AddRows(stage, kind string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.stageRows.WithLabelValues(stage, kind).Add(float64(count))
}

// AddDataQuality increments skipped-row counters for a stage.
func (m *PipelineMetrics) AddDataQuality(stage, reason string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.dataQuality.WithLabelValues(stage, reason).Add(float64(count))
}

// IncInvariantViolation increments the failed integrity check counter.
func (m *PipelineMetrics) IncInvariantViolation(check string) {
	if m == nil {
		return
	}
	m.invariantViolations.WithLabelValues(check).Inc()
}
