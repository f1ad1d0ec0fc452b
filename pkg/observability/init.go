// Package observability wires tracing, the metrics endpoint and
// trace-aware logging for a Meridian process.
package observability

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/multierr"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/logger"
)

// Provider owns the process-wide observability components.
type Provider struct {
	tracer  *sdktrace.TracerProvider
	metrics *MetricsServer
}

// Options identify the process in exported spans. Spans go to Output,
// stdout when nil.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Output         io.Writer
}

// Setup installs the global tracer provider when tracing is enabled and
// starts the metrics endpoint when an address is configured.
func Setup(ctx context.Context, cfg config.ObservabilityConfig, o Options) (*Provider, error) {
	p := &Provider{}
	if cfg.Tracing {
		tp, err := newTracerProvider(ctx, cfg, o)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		p.tracer = tp
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.MetricsAddress != "" {
		m, err := ServeMetrics(cfg.MetricsAddress)
		if err != nil {
			return nil, multierr.Append(err, p.Shutdown(ctx))
		}
		p.metrics = m
	}
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg config.ObservabilityConfig, o Options) (*sdktrace.TracerProvider, error) {
	name := o.ServiceName
	if name == "" {
		name = "meridian"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(o.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if o.Output != nil {
		opts = append(opts, stdouttrace.WithWriter(o.Output))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch rate := cfg.TraceSampleRate; {
	case rate <= 0 || rate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter),
	), nil
}

// MetricsAddr is the address of the metrics endpoint, empty when none is
// served.
func (p *Provider) MetricsAddr() string {
	if p.metrics == nil {
		return ""
	}
	return p.metrics.Addr()
}

// Shutdown flushes pending spans, stops the metrics endpoint and syncs the
// global logger.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	if p.tracer != nil {
		if e := p.tracer.Shutdown(ctx); e != nil {
			err = multierr.Append(err, fmt.Errorf("failed to shutdown tracer: %w", e))
		}
	}
	if p.metrics != nil {
		err = multierr.Append(err, p.metrics.Shutdown(ctx))
	}
	if e := logger.Get().Sync(); e != nil && !ignorableSync(e) {
		err = multierr.Append(err, fmt.Errorf("failed to sync logger: %w", e))
	}
	return err
}

// Syncing a terminal or pipe fails on most platforms.
// See https://github.com/uber-go/zap/issues/328
func ignorableSync(err error) bool {
	s := err.Error()
	return strings.Contains(s, "bad file descriptor") ||
		strings.Contains(s, "invalid argument") ||
		strings.Contains(s, "inappropriate ioctl")
}
