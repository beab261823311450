package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "queue"
)

// Metrics is a prometheus collector for push and job outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsOk  *uint64
	pushOk  *uint64
	jobsErr *uint64
	pushErr *uint64
	failed  *uint64
	retried *uint64

	pushOkDesc  *prometheus.Desc
	pushErrDesc *prometheus.Desc
	jobsErrDesc *prometheus.Desc
	jobsOkDesc  *prometheus.Desc
	failedDesc  *prometheus.Desc
	retriedDesc *prometheus.Desc

	pushLatencyHistogram *prometheus.HistogramVec
	jobDurationHistogram *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		jobsOk:  toPtr(uint64(0)),
		pushOk:  toPtr(uint64(0)),
		jobsErr: toPtr(uint64(0)),
		pushErr: toPtr(uint64(0)),
		failed:  toPtr(uint64(0)),
		retried: toPtr(uint64(0)),

		pushOkDesc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "push_ok"), "Number of job push", nil, nil),
		pushErrDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "push_err"), "Number of jobs push which was failed", nil, nil),
		jobsErrDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_err"), "Number of jobs error while processing in the worker", nil, nil),
		jobsOkDesc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_ok"), "Number of successfully processed jobs", nil, nil),
		failedDesc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "failed_total"), "Number of jobs moved to the failed store", nil, nil),
		retriedDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "retried_total"), "Number of failed jobs pushed back onto the queue", nil, nil),

		pushLatencyHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prometheus.BuildFQName(namespace, "", "push_latency"),
			Help: "Histogram represents latency for pushed operation",
		}, []string{"job", "driver"}),

		jobDurationHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prometheus.BuildFQName(namespace, "", "job_duration"),
			Help: "Histogram represents handler execution time",
		}, []string{"job", "driver", "status"}),
	}
}

func (m *Metrics) CountPushOk(job, driver string, seconds float64) {
	if m == nil {
		return
	}
	atomic.AddUint64(m.pushOk, 1)
	m.pushLatencyHistogram.WithLabelValues(job, driver).Observe(seconds)
}

func (m *Metrics) CountPushErr() {
	if m == nil {
		return
	}
	atomic.AddUint64(m.pushErr, 1)
}

func (m *Metrics) CountJobOk(job, driver string, seconds float64) {
	if m == nil {
		return
	}
	atomic.AddUint64(m.jobsOk, 1)
	m.jobDurationHistogram.WithLabelValues(job, driver, "ok").Observe(seconds)
}

func (m *Metrics) CountJobErr(job, driver string, seconds float64) {
	if m == nil {
		return
	}
	atomic.AddUint64(m.jobsErr, 1)
	m.jobDurationHistogram.WithLabelValues(job, driver, "error").Observe(seconds)
}

func (m *Metrics) CountFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(m.failed, 1)
}

func (m *Metrics) CountRetried() {
	if m == nil {
		return
	}
	atomic.AddUint64(m.retried, 1)
}

func (m *Metrics) Describe(d chan<- *prometheus.Desc) {
	// send description
	d <- m.pushErrDesc
	d <- m.pushOkDesc
	d <- m.jobsErrDesc
	d <- m.jobsOkDesc
	d <- m.failedDesc
	d <- m.retriedDesc

	m.pushLatencyHistogram.Describe(d)
	m.jobDurationHistogram.Describe(d)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	// send the values to the prometheus
	ch <- prometheus.MustNewConstMetric(m.jobsOkDesc, prometheus.CounterValue, float64(atomic.LoadUint64(m.jobsOk)))
	ch <- prometheus.MustNewConstMetric(m.jobsErrDesc, prometheus.CounterValue, float64(atomic.LoadUint64(m.jobsErr)))
	ch <- prometheus.MustNewConstMetric(m.pushOkDesc, prometheus.CounterValue, float64(atomic.LoadUint64(m.pushOk)))
	ch <- prometheus.MustNewConstMetric(m.pushErrDesc, prometheus.CounterValue, float64(atomic.LoadUint64(m.pushErr)))
	ch <- prometheus.MustNewConstMetric(m.failedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(m.failed)))
	ch <- prometheus.MustNewConstMetric(m.retriedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(m.retried)))

	m.pushLatencyHistogram.Collect(ch)
	m.jobDurationHistogram.Collect(ch)
}

func toPtr[T any](v T) *T {
	return &v
}
