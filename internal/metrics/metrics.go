package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Catalog metrics
	candidates *prometheus.GaugeVec
	rejected   *prometheus.CounterVec

	// Probe metrics
	probesTotal *prometheus.CounterVec
	triesTotal  *prometheus.CounterVec
	tryLatency  prometheus.Histogram

	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration prometheus.Histogram
	rankedCount  prometheus.Gauge
	inFlight     prometheus.Gauge

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers every metric with reg
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		candidates: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_candidates",
				Help:      "Number of candidate endpoints per source in the last catalog build",
			},
			[]string{"source"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_rejected_total",
				Help:      "Candidate entries dropped while building the catalog",
			},
			[]string{"reason"},
		),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of endpoint probes by outcome",
			},
			[]string{"status"},
		),
		triesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_tries_total",
				Help:      "Total number of probe tries by result",
			},
			[]string{"result"},
		),
		tryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_try_latency_seconds",
				Help:      "Latency of successful probe tries in seconds",
				Buckets:   []float64{.025, .05, .1, .15, .2, .3, .5, .75, 1, 1.5, 2, 5},
			},
		),
		scansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of scan runs",
			},
			[]string{"status"},
		),
		scanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of full scan runs in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),
		rankedCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ranked_endpoints",
				Help:      "Number of endpoints in the latest ranking",
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probes_in_flight",
				Help:      "Number of probes currently running",
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) SetCandidates(source string, count int) {
	c.candidates.WithLabelValues(source).Set(float64(count))
}

func (c *Collector) RecordRejected(reason string, count int) {
	c.rejected.WithLabelValues(reason).Add(float64(count))
}

func (c *Collector) RecordProbe(status string) {
	c.probesTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordTrySuccess(seconds float64) {
	c.triesTotal.WithLabelValues("success").Inc()
	c.tryLatency.Observe(seconds)
}

func (c *Collector) RecordTryFailure() {
	c.triesTotal.WithLabelValues("failure").Inc()
}

func (c *Collector) ProbeStarted() {
	c.inFlight.Inc()
}

func (c *Collector) ProbeFinished() {
	c.inFlight.Dec()
}

func (c *Collector) RecordScan(status string, seconds float64) {
	c.scansTotal.WithLabelValues(status).Inc()
	if status == "success" {
		c.scanDuration.Observe(seconds)
	}
}

func (c *Collector) SetRanked(count int) {
	c.rankedCount.Set(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
