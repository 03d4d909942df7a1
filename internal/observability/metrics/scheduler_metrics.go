package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobOutcomeSuccess labels a job run that finished without error. Failed
// runs are labelled with their pipeline error class.
const JobOutcomeSuccess = "success"

// SchedulerMetrics tracks the driver: one series per job occurrence attempt,
// retries, timeouts, loop lag and the last time each job completed.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobRetries     *prometheus.CounterVec
	jobLastSuccess *prometheus.GaugeVec
	runLoopLag     prometheus.Histogram
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the driver collectors on the default
// registerer the first time it is called.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func NewSchedulerMetricsForTest(registerer prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, Config{ServiceName: "meterflow", Environment: "test"})
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := cfg.labels()

	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_job_runs_total",
			Help:        "Driver job attempts by outcome (success or error class).",
			ConstLabels: labels,
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meterflow_scheduler_job_duration_seconds",
			Help:        "Driver job attempt latency.",
			Buckets:     prometheus.ExponentialBuckets(0.1, 3, 11),
			ConstLabels: labels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_job_timeouts_total",
			Help:        "Driver job attempts cut off by the job timeout.",
			ConstLabels: labels,
		}, []string{"job"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_job_retries_total",
			Help:        "Driver job retry attempts.",
			ConstLabels: labels,
		}, []string{"job"}),
		jobLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "meterflow_scheduler_job_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful attempt per job.",
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "meterflow_scheduler_runloop_lag_seconds",
			Help:        "Delay between the planned tick and the actual run loop pass.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
			ConstLabels: labels,
		}),
	}
	registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobRetries, m.jobLastSuccess, m.runLoopLag)
	return m
}

// ObserveJob records one attempt. outcome is JobOutcomeSuccess or the
// error class of the failure.
func (m *SchedulerMetrics) ObserveJob(job, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *SchedulerMetrics) MarkJobSuccess(job string, at time.Time) {
	if m == nil {
		return
	}
	m.jobLastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobRetry(job string) {
	if m == nil {
		return
	}
	m.jobRetries.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(lag, 0).Seconds())
}
