package telemetry

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essync_events_processed_total",
			Help: "The total number of change events handed to writers",
		},
		[]string{"status"},
	)
	NormalizationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essync_normalization_failures_total",
			Help: "Change events dropped because they could not be normalized",
		},
		[]string{"kind"},
	)
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "essync_bulk_batch_size",
			Help:    "Distribution of bulk batch sizes",
			Buckets: []float64{1, 10, 100, 500, 1000, 5000},
		},
	)
	BulkLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "essync_bulk_latency_seconds",
			Help: "Latency of bulk executions including retries",
		},
	)
	BulkBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essync_bulk_batches_total",
			Help: "Flushed bulk batches by outcome",
		},
		[]string{"outcome"},
	)
	BulkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "essync_bulk_retries_total",
			Help: "Bulk calls retried after a transport failure",
		},
	)
	ItemFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essync_bulk_item_failures_total",
			Help: "Bulk operations rejected by the index engine",
		},
		[]string{"index"},
	)
	CheckpointPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "essync_checkpoint_position",
			Help: "Last safe source position persisted",
		},
	)
)

func Init(addr string) {
	// Metrics
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(NormalizationFailures)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(BulkLatency)
	prometheus.MustRegister(BulkBatches)
	prometheus.MustRegister(BulkRetries)
	prometheus.MustRegister(ItemFailures)
	prometheus.MustRegister(CheckpointPosition)

	// Logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if addr == "" {
		return
	}

	// Server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("Starting telemetry server", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("Telemetry server failed", "error", err)
		}
	}()
}
