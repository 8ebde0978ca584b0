// Package metrics holds the ingestion counters and serves them for scraping.
package metrics

import (
	"context"
	"eth-indexer/logger"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eth_indexer"

type Metrics struct {
	registry *prometheus.Registry

	BlocksWritten   *prometheus.CounterVec
	BlocksFailed    *prometheus.CounterVec
	Reorgs          *prometheus.CounterVec
	Reconnects      prometheus.Counter
	WriteDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	FetchesInFlight prometheus.Gauge
	LastBlock       *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BlocksWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_written_total",
			Help:      "Blocks committed to the database.",
		}, []string{"run"}),
		BlocksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_failed_total",
			Help:      "Blocks given up after exhausting retries.",
		}, []string{"stage"}),
		Reorgs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "Stored blocks superseded by a different canonical block.",
		}, []string{"source"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "head_subscription_restarts_total",
			Help:      "Restarts of the live head subscription.",
		}),
		WriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_batch_duration_seconds",
			Help:      "Duration of one database transaction writing a batch of blocks.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persistence_queue_depth",
			Help:      "Blocks admitted but not yet written.",
		}),
		FetchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetches_in_flight",
			Help:      "Block fetch tasks currently running.",
		}),
		LastBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_written_block",
			Help:      "Highest block number written per run.",
		}, []string{"run"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics and /healthz on address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error: %s", err)
		}
	}()

	logger.Info("Serving metrics on %s", address)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
