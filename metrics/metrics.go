// Package metrics exposes pool occupancy, slot usage and job outcomes to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transcodeengine/gpu"
)

type Metrics struct {
	registry *prometheus.Registry
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New registers the transcode metrics for pool on a private registry.
func New(pool *gpu.Pool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_total",
			Help: "Transcode jobs by operation and outcome.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_job_duration_seconds",
			Help:    "Time a job held its GPU slot.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"operation"}),
	}

	m.registry.MustRegister(
		m.jobs,
		m.duration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "transcode_gpu_slots_available",
			Help: "GPU slots not held by any job.",
		}, func() float64 { return float64(pool.Available()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "transcode_gpu_slots_capacity",
			Help: "Total GPU slots.",
		}, func() float64 { return float64(pool.Capacity()) }),
		&usageCollector{pool: pool},
	)
	return m
}

// ObserveJob records a finished job. Jobs that never got a slot are counted
// but not timed.
func (m *Metrics) ObserveJob(operation, status string, duration time.Duration) {
	m.jobs.WithLabelValues(operation, status).Inc()
	if duration > 0 {
		m.duration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var usageDesc = prometheus.NewDesc(
	"transcode_gpu_slot_usage",
	"Last sampled utilisation of a GPU slot in percent.",
	[]string{"slot"}, nil,
)

// usageCollector reads the pool's usage table at scrape time.
type usageCollector struct {
	pool *gpu.Pool
}

func (c *usageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- usageDesc
}

func (c *usageCollector) Collect(ch chan<- prometheus.Metric) {
	for i, v := range c.pool.Usage() {
		ch <- prometheus.MustNewConstMetric(usageDesc, prometheus.GaugeValue, v, strconv.Itoa(i))
	}
}
