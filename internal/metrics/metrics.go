// Package metrics exposes import engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry    *prometheus.Registry
	records     *prometheus.CounterVec
	issues      *prometheus.CounterVec
	mediaBytes  prometheus.Counter
	runningJobs prometheus.Gauge
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New creates a collector on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentport_records_total",
				Help: "Records processed by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		issues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentport_issues_total",
				Help: "Issues recorded by severity and class",
			},
			[]string{"severity", "class"},
		),
		mediaBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "contentport_media_bytes_total",
				Help: "Bytes of media stored",
			},
		),
		runningJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "contentport_running_jobs",
				Help: "Jobs with an active background run",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentport_job_transitions_total",
				Help: "Job state changes by target status",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentport_record_duration_seconds",
				Help:    "Time taken to import one record",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
	}

	c.registry.MustRegister(c.records, c.issues, c.mediaBytes, c.runningJobs, c.transitions, c.duration)
	return c
}

// IncRecord counts one processed record.
func (c *Collector) IncRecord(phase, outcome string) {
	c.records.WithLabelValues(phase, outcome).Inc()
}

// IncIssue counts one recorded issue.
func (c *Collector) IncIssue(severity, class string) {
	c.issues.WithLabelValues(severity, class).Inc()
}

// AddMediaBytes adds to the stored media total.
func (c *Collector) AddMediaBytes(n int64) {
	c.mediaBytes.Add(float64(n))
}

// JobStarted and JobFinished track background runs.
func (c *Collector) JobStarted() {
	c.runningJobs.Inc()
}

func (c *Collector) JobFinished() {
	c.runningJobs.Dec()
}

// IncTransition counts a job entering status.
func (c *Collector) IncTransition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

// ObserveRecord records how long one record took.
func (c *Collector) ObserveRecord(phase string, d time.Duration) {
	c.duration.WithLabelValues(phase).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
