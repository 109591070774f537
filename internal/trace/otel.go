package trace

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelRuntime stores initialized tracer and shutdown hook.
type OTelRuntime struct {
	Tracer   oteltrace.Tracer
	Shutdown func(context.Context) error
}

// OTelConfig selects the span exporter. With no endpoint, spans go to stdout.
type OTelConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// OTelConfigFromEnv reads TRACE_ENABLED, TRACE_ENDPOINT and TRACE_INSECURE.
func OTelConfigFromEnv(serviceName string) OTelConfig {
	return OTelConfig{
		Enabled:     envBool("TRACE_ENABLED"),
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(os.Getenv("TRACE_ENDPOINT")),
		Insecure:    os.Getenv("TRACE_INSECURE") == "" || envBool("TRACE_INSECURE"),
	}
}

// SetupOTelFromEnv initializes OpenTelemetry when TRACE_ENABLED=true.
func SetupOTelFromEnv(serviceName string) (OTelRuntime, error) {
	return SetupOTel(context.Background(), OTelConfigFromEnv(serviceName))
}

// SetupOTel installs a global tracer provider when cfg.Enabled, and otherwise
// returns the no-op global tracer.
func SetupOTel(ctx context.Context, cfg OTelConfig) (OTelRuntime, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "linetrace"
	}
	noop := OTelRuntime{
		Tracer:   otel.Tracer(cfg.ServiceName),
		Shutdown: func(context.Context) error { return nil },
	}
	if !cfg.Enabled {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return OTelRuntime{}, fmt.Errorf("otel resource: %w", err)
	}

	var exp sdktrace.SpanExporter
	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return OTelRuntime{}, fmt.Errorf("otel otlp exporter: %w", err)
		}
	} else {
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return OTelRuntime{}, fmt.Errorf("otel stdout exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return OTelRuntime{
		Tracer:   tp.Tracer(cfg.ServiceName),
		Shutdown: tp.Shutdown,
	}, nil
}

// NoopTracer is used by components built without an explicit tracer.
func NoopTracer() oteltrace.Tracer {
	return otel.Tracer("linetrace")
}

func envBool(key string) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
