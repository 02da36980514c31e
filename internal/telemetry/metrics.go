package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Exchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidemark",
		Name:      "exchanges_total",
		Help:      "Completed exchanges by outcome (completed, failed, stopped).",
	}, []string{"outcome"})

	OffsetUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidemark",
		Subsystem: "resume",
		Name:      "offset_updates_total",
		Help:      "Offset writes by strategy and result.",
	}, []string{"strategy", "result"})

	OffsetsPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tidemark",
		Subsystem: "resume",
		Name:      "offsets_pending",
		Help:      "Offsets tracked but not yet resolved, per key.",
	}, []string{"key"})

	Duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidemark",
		Subsystem: "idempotent",
		Name:      "duplicates_total",
		Help:      "Exchanges recognised as duplicates, per consumer.",
	}, []string{"consumer"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidemark",
		Subsystem: "idempotent",
		Name:      "cache_lookups_total",
		Help:      "Cached repository lookups by result (hit, miss).",
	}, []string{"result"})

	LockRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidemark",
		Subsystem: "idempotent",
		Name:      "lock_refreshes_total",
		Help:      "Keep-alive refreshes of held locks by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(Exchanges, OffsetUpdates, OffsetsPending, Duplicates, CacheLookups, LockRefreshes)
}

// Expose serves /metrics on port in the background.
func Expose(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
