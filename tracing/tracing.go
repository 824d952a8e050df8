// Package tracing sets up the OpenTelemetry tracer provider of a run.
//
// Spans are exported as JSON objects, one per finished span, so a run can
// be inspected without a collector.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider is a tracer provider together with the shutdown of its exporter.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Noop returns a Provider that records nothing.
func Noop() *Provider {
	return &Provider{TracerProvider: noop.NewTracerProvider()}
}

// New returns a Provider that writes finished spans to w.
func New(w io.Writer, service, version string) (*Provider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
			attribute.String("service.version", version),
		)),
	)
	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}

// OpenFile returns a Provider appending spans to path. An empty path gives
// Noop.
func OpenFile(path, service, version string) (*Provider, error) {
	if path == "" {
		return Noop(), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open traces file: %w", err)
	}
	p, err := New(f, service, version)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	flush := p.shutdown
	p.shutdown = func(ctx context.Context) error {
		return errors.Join(flush(ctx), f.Close())
	}
	return p, nil
}

// Shutdown flushes buffered spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
