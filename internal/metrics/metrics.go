// Package metrics exposes Prometheus collectors for polling, the background
// refresh queues, ledger connections and signing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/walletsync/pkg/logging"
)

const namespace = "walletsync"

// Recorder owns a private registry so tests can create as many as they like.
// All methods are safe on a nil receiver.
type Recorder struct {
	registry *prometheus.Registry

	polls         *prometheus.CounterVec
	pollErrors    prometheus.Counter
	updates       *prometheus.CounterVec
	queueInflight *prometheus.GaugeVec
	queueWait     *prometheus.HistogramVec
	ledgerStates  *prometheus.CounterVec
	signerErrors  *prometheus.CounterVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Fallback polls fired, by trigger",
		}, []string{"trigger"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "errors_total",
			Help:      "Poll or update callbacks that failed",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "updates_total",
			Help:      "Wallet updates delivered, by confidence",
		}, []string{"confident"}),
		queueInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "inflight",
			Help:      "Background refreshes currently running per chain and network",
		}, []string{"queue"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "wait_seconds",
			Help:      "Time a background refresh waited for a queue slot",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"queue"}),
		ledgerStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "states_total",
			Help:      "Ledger connection state transitions",
		}, []string{"mode", "state"}),
		signerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "errors_total",
			Help:      "Signer operations that returned an error, by kind",
		}, []string{"kind"}),
	}

	r.registry.MustRegister(
		r.polls, r.pollErrors, r.updates,
		r.queueInflight, r.queueWait,
		r.ledgerStates, r.signerErrors,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// PollTriggered counts one poll. trigger is "timer", "connect" or "start".
func (r *Recorder) PollTriggered(trigger string) {
	if r == nil {
		return
	}
	r.polls.WithLabelValues(trigger).Inc()
}

// PollError counts one failed poll or update callback.
func (r *Recorder) PollError() {
	if r == nil {
		return
	}
	r.pollErrors.Inc()
}

// Update counts one delivered wallet update.
func (r *Recorder) Update(confident bool) {
	if r == nil {
		return
	}
	r.updates.WithLabelValues(strconv.FormatBool(confident)).Inc()
}

// QueueAcquired records a slot taken on a queue after waiting for wait.
func (r *Recorder) QueueAcquired(queue string, wait time.Duration) {
	if r == nil {
		return
	}
	r.queueInflight.WithLabelValues(queue).Inc()
	r.queueWait.WithLabelValues(queue).Observe(wait.Seconds())
}

// QueueReleased records a slot returned to a queue.
func (r *Recorder) QueueReleased(queue string) {
	if r == nil {
		return
	}
	r.queueInflight.WithLabelValues(queue).Dec()
}

// LedgerState counts a ledger connection state emitted by a transport.
func (r *Recorder) LedgerState(mode, state string) {
	if r == nil {
		return
	}
	r.ledgerStates.WithLabelValues(mode, state).Inc()
}

// SignerError counts a failed signer operation.
func (r *Recorder) SignerError(kind string) {
	if r == nil {
		return
	}
	r.signerErrors.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler serving this registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	log := logging.GetDefault().Component("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
