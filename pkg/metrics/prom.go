package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InitialSyncRowsCopied counts rows copied into the replica per shard
	// and table during pkg/initsync's snapshot-consistent copy (C6).
	InitialSyncRowsCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreplicate_initial_sync_rows_copied_total",
			Help: "Total number of rows copied into the replica during initial sync",
		},
		[]string{"shard", "table"},
	)

	// InitialSyncDuration observes how long a full initial sync run takes,
	// from the upstream connect through persisting the result upstream
	// (failed runs included).
	InitialSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgreplicate_initial_sync_duration_seconds",
			Help:    "Duration of a full initial sync run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		},
		[]string{"shard"},
	)

	// ChangesProcessed counts pkg/changemaker.ChangeStreamMessage values
	// emitted per shard and tag (begin/data/commit/rollback/control/status).
	ChangesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreplicate_changes_processed_total",
			Help: "Total number of change stream messages emitted by the change maker",
		},
		[]string{"shard", "tag"},
	)

	// ChangeMakerErrors counts the change maker latching (spec.md §4.8's
	// reset-required contract), by shard and kind: the control message's
	// payload ("reset-required"), or "internal" when MakeChanges itself errs.
	ChangeMakerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreplicate_change_maker_errors_total",
			Help: "Total number of change maker latch events by shard and error kind",
		},
		[]string{"shard", "kind"},
	)

	// ReplicationLagBytes reports the gap, in WAL bytes, between the
	// upstream's current insert position and the slot's confirmed_flush
	// position last observed for a shard's replica.
	ReplicationLagBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgreplicate_replication_lag_bytes",
			Help: "Bytes of WAL between the current insert position and the replica's confirmed flush position",
		},
		[]string{"shard", "replica"},
	)

	// OrphanedSlotDropFailures counts pkg/changesource's background
	// orphaned-slot drops that exhausted their retry budget.
	OrphanedSlotDropFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreplicate_orphaned_slot_drop_failures_total",
			Help: "Total number of orphaned replication slot drops that exhausted their retry budget",
		},
		[]string{"shard"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	// Increment wait group
	wg.Add(1)

	// Start server
	go func() {
		defer wg.Done()
		log.Printf("Starting Prometheus metrics server on %s", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	// Monitor context cancellation in a separate goroutine
	go func() {
		<-ctx.Done()

		// Create a timeout context for shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		// Wait for server to close or timeout
		select {
		case <-serverClosed:
			log.Println("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}
