package gateway

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/governd/internal/gateway"

// HTTPMetrics holds the gateway request metrics.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the gateway metrics instruments.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"governd.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, endpoint, and status code. Use rate() for request throughput."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"governd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, endpoint, and status. Use histogram_quantile for P50/P95/P99 latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.responseSize, err = m.meter.Int64Histogram(
		"governd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes, labeled by method, endpoint, and status."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	if err != nil {
		m.logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"governd.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// Middleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			method := req.Method

			if m.activeRequests != nil {
				m.activeRequests.Add(req.Context(), 1)
			}

			err := next(c)

			duration := time.Since(start)
			status := c.Response().Status
			size := c.Response().Size

			attrs := []attribute.KeyValue{
				attribute.String("method", method),
				attribute.String("endpoint", normalizePath(req.URL.Path)),
				attribute.Int("status", status),
			}
			ctx := req.Context()

			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, size, metric.WithAttributes(attrs...))
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}

			return err
		}
	}
}

// normalizePath collapses parameterized segments so each unique plan or
// intent id does not become its own metric label.
func normalizePath(path string) string {
	switch {
	case path == "":
		return "/"
	case strings.HasPrefix(path, "/governance/plans/"):
		return "/governance/plans/:plan_id"
	case strings.HasPrefix(path, "/governance/approve/"):
		return "/governance/approve/:intent_id"
	}
	return path
}
