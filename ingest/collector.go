package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports pipeline health as Prometheus metrics.
type Collector struct {
	pipeline *Pipeline

	queueDepth    *prometheus.Desc
	queueDropped  *prometheus.Desc
	batchDropped  *prometheus.Desc
	flushed       *prometheus.Desc
	flushDuration *prometheus.Desc
}

func NewCollector(pipeline *Pipeline) *Collector {
	return &Collector{
		pipeline: pipeline,

		queueDepth: prometheus.NewDesc(
			"texie_ingest_queue_depth",
			"Records currently waiting in the producer queue",
			nil, nil,
		),
		queueDropped: prometheus.NewDesc(
			"texie_ingest_queue_dropped_total",
			"Records evicted from the producer queue on overflow",
			nil, nil,
		),
		batchDropped: prometheus.NewDesc(
			"texie_ingest_batch_dropped_total",
			"Records dropped because the batch slots were full",
			nil, nil,
		),
		flushed: prometheus.NewDesc(
			"texie_ingest_flushed_records_total",
			"Records successfully bulk-inserted into the store",
			nil, nil,
		),
		flushDuration: prometheus.NewDesc(
			"texie_ingest_flush_duration_seconds_avg",
			"Running mean duration of store flushes",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueDropped
	ch <- c.batchDropped
	ch <- c.flushed
	ch <- c.flushDuration
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.pipeline.Queue().Len()))
	ch <- prometheus.MustNewConstMetric(c.queueDropped, prometheus.CounterValue, float64(c.pipeline.Queue().Dropped()))
	ch <- prometheus.MustNewConstMetric(c.batchDropped, prometheus.CounterValue, float64(c.pipeline.BatchDropped()))
	ch <- prometheus.MustNewConstMetric(c.flushed, prometheus.CounterValue, float64(c.pipeline.Flushed()))
	ch <- prometheus.MustNewConstMetric(c.flushDuration, prometheus.GaugeValue, c.pipeline.FlushDuration())
}
