// Package metrics exposes counters about the events flowing through the
// consumer, in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

const namespace = "tcp_breakdown"

// Discard reasons
const (
	ReasonUnknownFamily = "unknown_family"
	ReasonDecodeError   = "decode_error"
)

// Metrics implements consumer.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	events    *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	discarded *prometheus.CounterVec
	lost      *prometheus.CounterVec
}

// New registers the collectors on registry. Passing nil creates a private
// registry.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Rendered TCP events",
			},
			[]string{"direction", "family"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes reported by rendered events",
			},
			[]string{"direction"},
		),
		discarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discarded_total",
				Help:      "Records read from the perf buffer but not rendered",
			},
			[]string{"reason"},
		),
		lost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lost_events_total",
				Help:      "Records dropped by the kernel because the perf buffer was full",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) ObserveEvent(e *event.Event) {
	direction := e.Direction.String()
	m.events.WithLabelValues(direction, e.Family.String()).Inc()

	switch e.Direction {
	case event.DirectionReceive:
		m.bytes.WithLabelValues(direction).Add(float64(e.RxBytes))
	case event.DirectionSend:
		m.bytes.WithLabelValues(direction).Add(float64(e.TxBytes))
	}
}

func (m *Metrics) ObserveDiscard(reason string) {
	m.discarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveLoss(loss event.Sample) {
	m.lost.WithLabelValues(loss.Source()).Add(float64(loss.Lost))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server for /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	return nil
}
