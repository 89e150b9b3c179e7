package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"fluentsink/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsPutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fluentsink_records_put_total",
			Help: "Total number of host records handed to the sink task.",
		},
	)

	EventsEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fluentsink_events_emitted_total",
			Help: "Total number of events accepted by the transport client.",
		},
	)

	EmitErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluentsink_emit_errors_total",
			Help: "Total number of failed emissions by outcome.",
		},
		[]string{"outcome"}, // dropped, failed, retried, deadlettered
	)

	ChunksSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fluentsink_chunks_sent_total",
			Help: "Total number of buffer chunks delivered to an endpoint.",
		},
	)

	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fluentsink_bytes_sent_total",
			Help: "Total number of payload bytes delivered to an endpoint.",
		},
	)

	SendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluentsink_send_errors_total",
			Help: "Total number of failed chunk sends by endpoint.",
		},
		[]string{"endpoint"},
	)

	BufferedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluentsink_buffered_bytes",
			Help: "Bytes currently held in transport buffer chunks.",
		},
	)

	BackupChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluentsink_backup_chunks_total",
			Help: "Total number of chunks written to or restored from the backup dir.",
		},
		[]string{"op"}, // saved, restored
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluentsink_flush_duration_seconds",
			Help:    "Latency of explicit task flushes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommittedOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fluentsink_committed_offset",
			Help: "Last offset committed after a successful flush.",
		},
		[]string{"topic", "partition"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RecordsPutTotal,
		EventsEmittedTotal,
		EmitErrorsTotal,
		ChunksSentTotal,
		BytesSentTotal,
		SendErrorsTotal,
		BufferedBytes,
		BackupChunksTotal,
		FlushDuration,
		CommittedOffset,
	)
}

// Expose serves /metrics for g on port in the background. The returned
// server is shut down by the caller.
func Expose(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics listener failed", "port", port, "err", err)
		}
	}()
	return srv
}
