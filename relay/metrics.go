package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Cycles          *prometheus.CounterVec
	RecordsFetched  prometheus.Counter
	RecordsNew      prometheus.Counter
	RecordsSkipped  prometheus.Counter
	RowsRelayed     prometheus.Counter
	BatchesFailed   prometheus.Counter
	LinesRejected   prometheus.Counter
	LedgerSize      prometheus.Gauge
	RelayDuration   prometheus.Histogram
	LastCycleUnixTS prometheus.Gauge
}

func NewMetrics() *Metrics {
	const ns = "vitals_relay"
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cycles_total",
			Help: "Poll cycles by outcome (empty, relayed, failed, error)",
		}, []string{"outcome"}),
		RecordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "records_fetched_total",
			Help: "Records returned by the source before dedup",
		}),
		RecordsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "records_new_total",
			Help: "Records admitted by the ledger",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "records_duplicate_total",
			Help: "Records dropped because their identity was already in the ledger",
		}),
		RowsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rows_relayed_total",
			Help: "Rows accepted by the remote store",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "batches_failed_total",
			Help: "Batches the remote store or transport rejected",
		}),
		LinesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "lines_rejected_total",
			Help: "Serial lines routed to diagnostics",
		}),
		LedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "ledger_identities",
			Help: "Identities recorded in the dedup ledger",
		}),
		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "relay_duration_seconds",
			Help:    "Time spent in one batch submission",
			Buckets: prometheus.DefBuckets,
		}),
		LastCycleUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),
	}
	m.registry.MustRegister(
		m.Cycles, m.RecordsFetched, m.RecordsNew, m.RecordsSkipped,
		m.RowsRelayed, m.BatchesFailed, m.LinesRejected, m.LedgerSize,
		m.RelayDuration, m.LastCycleUnixTS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
}
