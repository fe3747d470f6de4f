package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mcpmacos/mcphost/pkg/logging"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Endpoint serving the Prometheus scrape
	Address string // listen address (default: 127.0.0.1:9090)
	Path    string // HTTP path for metrics endpoint (default: /metrics)

	// Metric options
	Namespace        string    // Prometheus namespace (default: mcphost)
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Registry defaults to a private registry
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Metrics records dispatcher activity in Prometheus
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	logger   *zap.Logger
	server   *http.Server

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
	errorTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "mcphost"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:9090"
	}
	if config.HistogramBuckets == nil {
		// seconds
		config.HistogramBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	constLabels := prometheus.Labels{
		"service": config.ServiceName,
		"version": config.ServiceVersion,
	}

	m := &Metrics{
		config:   config,
		registry: config.Registry,
		logger:   logging.OrNop(config.Logger),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Name:        "request_duration_seconds",
				Help:        "Duration of MCP requests in seconds",
				Buckets:     config.HistogramBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "target", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Name:        "requests_total",
				Help:        "Total number of MCP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "target", "status"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Name:        "requests_in_flight",
				Help:        "Number of MCP requests being handled",
				ConstLabels: constLabels,
			},
			[]string{"method"},
		),
		errorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Name:        "errors_total",
				Help:        "Total number of failed MCP requests by error category",
				ConstLabels: constLabels,
			},
			[]string{"method", "category"},
		),
	}

	for _, c := range []prometheus.Collector{m.requestDuration, m.requestTotal, m.inflight, m.errorTotal} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// begin marks a request as in flight and returns the function that records
// its outcome
func (m *Metrics) begin(method, target string) func(err error) {
	start := time.Now()
	m.inflight.WithLabelValues(method).Inc()
	return func(err error) {
		m.inflight.WithLabelValues(method).Dec()
		status := "ok"
		if err != nil {
			status = "error"
			m.errorTotal.WithLabelValues(method, errorCategory(err)).Inc()
		}
		m.requestTotal.WithLabelValues(method, target, status).Inc()
		m.requestDuration.WithLabelValues(method, target, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Start serves the metrics endpoint in the background
func (m *Metrics) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	m.logger.Info("metrics endpoint listening",
		zap.String("address", m.config.Address),
		zap.String("path", m.config.Path))
	return nil
}

// Shutdown stops the metrics endpoint
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}
