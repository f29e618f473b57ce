package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// installTracerProvider wires a process-wide SDK tracer provider so
// internal/manager's and internal/llmprovider/cliexec's spans are recorded
// and sampled. No exporter or span processor is registered, so spans are
// not exported anywhere and the binary never requires a live collector to
// run.
func installTracerProvider(serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
