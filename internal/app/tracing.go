package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nuetzliches/beacon/internal/config"
)

func initTracing(ctx context.Context, tc config.TracingConfig, onError func(error)) (func(context.Context) error, error) {
	opts := make([]otlptracehttp.Option, 0, 5)
	if tc.Collector != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(tc.Collector))
	}
	if tc.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(tc.URLPath))
	}
	if tc.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(tc.Timeout))
	}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	tlsCfg, err := buildTracingTLSConfig(tc)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("beacon"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(onError))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// uploadHTTPClient returns the client senders upload with. Tracing wraps
// the transport so every upload carries trace context.
func uploadHTTPClient(tracing bool) *http.Client {
	if !tracing {
		return &http.Client{}
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func buildTracingTLSConfig(tc config.TracingConfig) (*tls.Config, error) {
	if tc.CAFile == "" {
		return nil, nil
	}
	caPEM, err := os.ReadFile(tc.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read tracing ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("parse tracing ca_file: no certificates found")
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}, nil
}
