// Package metrics exports queue events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/allowance-scanner/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "allowance_scanner"

// PrometheusReporter implements queue.Reporter. Metrics are registered on
// the registry passed to NewPrometheusReporter, never on the global one.
type PrometheusReporter struct {
	jobsClaimed      *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	chainScans       *prometheus.CounterVec
	chainDuration    *prometheus.HistogramVec
	pipelineSteps    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	monitorsEnqueued *prometheus.CounterVec
	jobsReaped       prometheus.Counter
	queueDepth       *prometheus.GaugeVec
}

// NewPrometheusReporter registers the queue metrics on reg
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	factory := promauto.With(reg)

	return &PrometheusReporter{
		jobsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by this worker.",
		}, []string{"type"}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs finished, by resulting status (pending means scheduled for retry).",
		}, []string{"type", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from claim to finish.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"type"}),
		chainScans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_scans_total",
			Help:      "Per-chain scans, by outcome.",
		}, []string{"chain", "outcome"}),
		chainDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_scan_duration_seconds",
			Help:      "Duration of a single chain scan.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"chain"}),
		pipelineSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_steps_total",
			Help:      "Post-scan pipeline steps, by outcome.",
		}, []string{"step", "outcome"}),
		pipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_step_duration_seconds",
			Help:      "Duration of a post-scan pipeline step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		monitorsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_enqueues_total",
			Help:      "Scans requested by the monitor scheduler.",
		}, []string{"result"}),
		jobsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Running jobs whose lease expired.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs in the store, by status.",
		}, []string{"status"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *PrometheusReporter) JobClaimed(jobType types.JobType) {
	r.jobsClaimed.WithLabelValues(string(jobType)).Inc()
}

func (r *PrometheusReporter) JobFinished(jobType types.JobType, status types.JobStatus, elapsed time.Duration) {
	r.jobsFinished.WithLabelValues(string(jobType), string(status)).Inc()
	r.jobDuration.WithLabelValues(string(jobType)).Observe(elapsed.Seconds())
}

func (r *PrometheusReporter) ChainScanned(chain types.ChainID, elapsed time.Duration, err error) {
	r.chainScans.WithLabelValues(chain.String(), outcome(err)).Inc()
	r.chainDuration.WithLabelValues(chain.String()).Observe(elapsed.Seconds())
}

func (r *PrometheusReporter) PipelineStep(step string, elapsed time.Duration, err error) {
	r.pipelineSteps.WithLabelValues(step, outcome(err)).Inc()
	r.pipelineDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

func (r *PrometheusReporter) MonitorsEnqueued(enqueued, duplicates int) {
	r.monitorsEnqueued.WithLabelValues("enqueued").Add(float64(enqueued))
	r.monitorsEnqueued.WithLabelValues("duplicate").Add(float64(duplicates))
}

func (r *PrometheusReporter) JobsReaped(n int) {
	r.jobsReaped.Add(float64(n))
}

// QueueDepth sets the per-status gauges. Statuses absent from counts read zero.
func (r *PrometheusReporter) QueueDepth(counts map[types.JobStatus]int64) {
	for _, status := range []types.JobStatus{
		types.JobStatusPending, types.JobStatusRunning, types.JobStatusSucceeded, types.JobStatusFailed,
	} {
		r.queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Handler serves the registry in the Prometheus exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
