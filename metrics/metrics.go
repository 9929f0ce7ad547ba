// Package metrics exposes the Prometheus collectors of the race client.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every metric the client records.
type Collectors struct {
	// Reconciliations counts settled transactions by result
	// (won, lost, cached, receipt_timeout, transaction_reverted, no_contract_logs, event_not_found).
	Reconciliations *prometheus.CounterVec

	// ReceiptPolls observes how many receipt lookups a reconciliation needed.
	ReceiptPolls prometheus.Histogram

	// RPCErrors counts failed node calls seen while polling, by stage.
	RPCErrors *prometheus.CounterVec

	// Transactions counts submitted transactions by method and result.
	Transactions *prometheus.CounterVec

	// FeedEvents counts race feed logs by stage (processed, dropped, undecodable, stored).
	FeedEvents *prometheus.CounterVec

	// BreakerState is the RPC circuit breaker state: 0 closed, 1 open, 2 half-open.
	BreakerState prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derby_reconciliations_total",
			Help: "Race transactions reconciled, by result.",
		}, []string{"result"}),
		ReceiptPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "derby_receipt_poll_attempts",
			Help:    "Receipt lookups needed per reconciliation.",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 30, 60},
		}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derby_rpc_errors_total",
			Help: "Node call failures observed while polling, by stage.",
		}, []string{"stage"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derby_transactions_total",
			Help: "Transactions submitted by the session, by method and result.",
		}, []string{"method", "result"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derby_feed_events_total",
			Help: "Race feed logs, by stage.",
		}, []string{"stage"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "derby_rpc_breaker_state",
			Help: "RPC circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
	}
	reg.MustRegister(c.Reconciliations, c.ReceiptPolls, c.RPCErrors, c.Transactions, c.FeedEvents, c.BreakerState)
	return c
}

// NewNop returns collectors registered to a private registry.
func NewNop() *Collectors {
	return New(prometheus.NewRegistry())
}

// HealthFunc reports whether the client can reach its node.
type HealthFunc func(ctx context.Context) error

// Serve starts a lightweight HTTP server for /metrics and /healthz in the background.
func Serve(addr string, gatherer prometheus.Gatherer, healthFn HealthFunc) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(gatherer, healthFn),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// Handler serves /metrics and /healthz.
func Handler(gatherer prometheus.Gatherer, healthFn HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if healthFn != nil {
			if err := healthFn(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "unhealthy: %v", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
