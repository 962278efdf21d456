package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	activeRuns        prometheus.Gauge
	queuedRuns        prometheus.Gauge
	metadataFailures  prometheus.Counter
	pixelsWritten     prometheus.Counter
	outputBytesTotal  prometheus.Counter
	sampleSizeApplied prometheus.Histogram
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitmapmanipulator_runs_total",
			Help: "Pipeline runs by outcome and failing stage.",
		}, []string{"status", "stage"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitmapmanipulator_run_duration_seconds",
			Help:    "Time from dequeue to outcome delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bitmapmanipulator_active_runs",
			Help: "Runs currently on the worker (0 or 1).",
		}),
		queuedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bitmapmanipulator_queued_runs",
			Help: "Runs waiting for the worker.",
		}),
		metadataFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitmapmanipulator_metadata_failures_total",
			Help: "Metadata writes that failed after a successful encode.",
		}),
		pixelsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitmapmanipulator_pixels_written_total",
			Help: "Pixels encoded across successful runs.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitmapmanipulator_output_bytes_total",
			Help: "Encoded JPEG bytes across successful runs.",
		}),
		sampleSizeApplied: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bitmapmanipulator_sample_size",
			Help:    "Downsampling factor chosen per successful run.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.queuedRuns,
		m.metadataFailures,
		m.pixelsWritten,
		m.outputBytesTotal,
		m.sampleSizeApplied,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
