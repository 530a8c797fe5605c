package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_agent_operations_total",
		Help: "Agent operations that passed every policy check and were forwarded.",
	}, []string{"operation", "venue"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_policy_rejections_total",
		Help: "Agent operations rejected by the policy gate, by rejection reason.",
	}, []string{"operation", "reason"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custody_operation_duration_seconds",
		Help:    "End-to-end duration of authorized agent operations.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	feesAccruedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_fees_accrued_total",
		Help: "Fees accrued into the pending settlement total, by fee kind.",
	}, []string{"kind"})

	consensusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_consensus_transitions_total",
		Help: "Executed emergency consensus transitions.",
	}, []string{"action"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custody_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

// OperationAuthorized records a fully authorized and forwarded operation.
func OperationAuthorized(operation, venue string, duration time.Duration) {
	operationsTotal.WithLabelValues(operation, venue).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// OperationRejected records a policy rejection with its reason code.
func OperationRejected(operation, reason string) {
	rejectionsTotal.WithLabelValues(operation, reason).Inc()
}

// FeeAccrued adds an accrued fee amount to the running totals. Amounts are
// exported as floats; precision loss here only affects monitoring.
func FeeAccrued(kind string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	feesAccruedTotal.WithLabelValues(kind).Add(value)
}

// ConsensusTransition records an executed consensus state transition.
func ConsensusTransition(action string) {
	consensusTransitions.WithLabelValues(action).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
