// Package observability installs the process-wide logging pipeline: slog to
// the console by default, bridged into an OpenTelemetry log provider when an
// OTLP endpoint is configured in the environment.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

const serviceName = "srcnet-cli"

// Instrument configures the default slog logger at the given level and
// format ("text" or "json"). When OTEL_EXPORTER_OTLP_ENDPOINT is set, log
// records are exported over OTLP instead (protocol per
// OTEL_EXPORTER_OTLP_PROTOCOL, default grpc); OTEL_LOGS_EXPORTER=console
// selects the stdout exporter for debugging the pipeline itself.
func Instrument(level slog.Level, format string) error {
	exporter, err := newExporter()
	if err != nil {
		return err
	}

	if exporter == nil {
		var handler slog.Handler
		opts := &slog.HandlerOptions{Level: level}
		switch format {
		case "json":
			handler = slog.NewJSONHandler(os.Stderr, opts)
		case "text", "":
			handler = slog.NewTextHandler(os.Stderr, opts)
		default:
			return fmt.Errorf("unsupported log format: %s", format)
		}
		slog.SetDefault(slog.New(handler))
		return nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return fmt.Errorf("building resource: %w", err)
	}

	// Synchronous export: the process is a short-lived CLI, so records must
	// not sit in a batch queue at exit.
	processor := minsev.NewLogProcessor(sdklog.NewSimpleProcessor(exporter), minsevSeverity(level))
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(provider)

	slog.SetDefault(otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(provider)))
	return nil
}

// newExporter selects the otel log exporter from the environment, or nil
// when no export is configured.
func newExporter() (sdklog.Exporter, error) {
	ctx := context.Background()

	if os.Getenv("OTEL_LOGS_EXPORTER") == "console" {
		return stdoutlog.New()
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil, nil
	}

	switch protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); protocol {
	case "http/protobuf", "http/json":
		return otlploghttp.New(ctx)
	case "grpc", "":
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

func minsevSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
