package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

const namespace = "enrichment"

// Collector is a prometheus.Collector for the enrichment pipeline.
// A nil *Collector is valid and records nothing.
type Collector struct {
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	broadcastEvents *prometheus.CounterVec
	activeWorkers   prometheus.Gauge
	queueLength     prometheus.Gauge
}

func NewCollector() *Collector {
	return &Collector{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Enrichment job deliveries by outcome.",
			}, []string{"outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time spent processing one enrichment job delivery.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			}, []string{"field_type"},
		),
		broadcastEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_events_total",
				Help:      "Field status events published to viewer rooms.",
			}, []string{"event"},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Executors currently processing a job.",
			},
		),
		queueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_length",
				Help:      "Jobs waiting in the main queue at the last poll.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.jobs.Describe(ch)
	c.jobDuration.Describe(ch)
	c.broadcastEvents.Describe(ch)
	c.activeWorkers.Describe(ch)
	c.queueLength.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.jobs.Collect(ch)
	c.jobDuration.Collect(ch)
	c.broadcastEvents.Collect(ch)
	c.activeWorkers.Collect(ch)
	c.queueLength.Collect(ch)
}

func (c *Collector) ObserveJob(outcome models.JobOutcome, fieldType models.FieldType, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(string(outcome)).Inc()
	if fieldType == "" {
		fieldType = "unknown"
	}
	c.jobDuration.WithLabelValues(string(fieldType)).Observe(elapsed.Seconds())
}

func (c *Collector) BroadcastEvent(event string) {
	if c == nil {
		return
	}
	c.broadcastEvents.WithLabelValues(event).Inc()
}

func (c *Collector) SetActiveWorkers(n int) {
	if c == nil {
		return
	}
	c.activeWorkers.Set(float64(n))
}

func (c *Collector) SetQueueLength(n int) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(n))
}
