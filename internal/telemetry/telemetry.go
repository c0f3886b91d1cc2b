// Package telemetry wires the OpenTelemetry meter provider behind the
// gateway's metric instruments. Metrics export through the process-wide
// Prometheus registry, which the gateway serves at /metrics.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.uber.org/zap"
)

// Config identifies the service in exported metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	return nil
}

// Telemetry owns the meter provider and its shutdown.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *zap.Logger
}

// New creates the meter provider, registers a Prometheus exporter on the
// default registry, and installs the provider globally so instrument
// construction via otel.Meter works everywhere.
func New(cfg Config, logger *zap.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	logger.Named("telemetry").Info("meter provider installed",
		zap.String("service", cfg.ServiceName))
	return &Telemetry{meterProvider: mp, logger: logger}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
