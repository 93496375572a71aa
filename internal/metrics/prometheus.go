// Package metrics records queue, dispatch and task metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder owns every courier collector. A nil recorder is a no-op.
type PrometheusRecorder struct {
	queuePending    prometheus.Gauge
	queueRejected   prometheus.Counter
	entriesTotal    *prometheus.CounterVec
	queueWait       prometheus.Histogram
	entryDuration   prometheus.Histogram
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_queue_pending_entries",
			Help: "Entries waiting in user lanes, in-flight ones excluded",
		}),
		queueRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_queue_rejected_total",
			Help: "Messages rejected because the user lane was full",
		}),
		entriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_queue_entries_total",
			Help: "Drained queue entries by status",
		}, []string{"status"}),
		queueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_queue_wait_seconds",
			Help:    "Time an entry waited before its lane picked it up",
			Buckets: prometheus.DefBuckets,
		}),
		entryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_queue_entry_duration_seconds",
			Help:    "Time spent processing one entry",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_total",
			Help: "Orchestrator dispatches by kind and outcome",
		}, []string{"kind", "outcome"}),
		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_dispatch_duration_seconds",
			Help:    "Worker call latency by kind",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_worker_tokens_total",
			Help: "Tokens consumed by worker calls",
		}, []string{"kind", "type"}),
		taskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_task_transitions_total",
			Help: "Background task status transitions",
		}, []string{"status"}),
	}
}

func (p *PrometheusRecorder) SetPending(n int) {
	if p == nil {
		return
	}
	p.queuePending.Set(float64(n))
}

func (p *PrometheusRecorder) IncRejected() {
	if p == nil {
		return
	}
	p.queueRejected.Inc()
}

// ObserveEntry records one drained entry.
func (p *PrometheusRecorder) ObserveEntry(failed bool, wait, run time.Duration) {
	if p == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	p.entriesTotal.WithLabelValues(status).Inc()
	p.queueWait.Observe(wait.Seconds())
	p.entryDuration.Observe(run.Seconds())
}

// ObserveDispatch records one orchestrator dispatch.
func (p *PrometheusRecorder) ObserveDispatch(kind, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.dispatchTotal.WithLabelValues(kind, outcome).Inc()
	if d > 0 {
		p.dispatchLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (p *PrometheusRecorder) AddTokens(kind string, prompt, completion int) {
	if p == nil {
		return
	}
	p.tokensTotal.WithLabelValues(kind, "prompt").Add(float64(prompt))
	p.tokensTotal.WithLabelValues(kind, "completion").Add(float64(completion))
}

func (p *PrometheusRecorder) ObserveTask(status string) {
	if p == nil {
		return
	}
	p.taskTransitions.WithLabelValues(status).Inc()
}
