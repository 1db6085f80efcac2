package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "launchledger"
	subsystem = "reconciler"
)

var (
	// EventsTotal counts events by apply outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_total",
		Help:      "Chain events processed, by outcome",
	}, []string{"chain", "class", "outcome"})

	// EventsQuarantined counts logs that could not be decoded.
	EventsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_quarantined_total",
		Help:      "Malformed logs quarantined for inspection",
	}, []string{"chain", "class"})

	// CursorBlock is the last confirmed block applied per partition.
	CursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cursor_block",
		Help:      "Last block the partition cursor covers",
	}, []string{"chain", "contract", "class"})

	// HeadLag is the distance between chain head and the partition cursor.
	HeadLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "head_lag_blocks",
		Help:      "Blocks between chain head and the partition cursor",
	}, []string{"chain", "contract", "class"})

	// Reorgs counts detected reorganizations.
	Reorgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reorgs_total",
		Help:      "Reorganizations detected",
	}, []string{"chain", "contract"})

	// RPCErrors counts chain reader failures by class.
	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rpc_errors_total",
		Help:      "Chain reader errors, by kind",
	}, []string{"chain", "kind"})

	// SyncDuration observes one partition sync pass.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_duration_seconds",
		Help:      "Duration of one partition sync",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "class"})

	// StuckRounds is the number of rounds whose settlement has not moved past the threshold.
	StuckRounds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "finalize_stuck_rounds",
		Help:      "Rounds stuck on a non-terminal finalize step",
	}, []string{"chain"})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
