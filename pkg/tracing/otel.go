// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "usersync"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSaveSpan 开始快照保存 span
func StartSaveSpan(ctx context.Context, userID string, snapshotID string, cause string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "usersync.save",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("snapshot.id", snapshotID),
			attribute.String("snapshot.save_cause", cause),
		),
	)
}

// StartLoadSpan 开始快照读取 span
func StartLoadSpan(ctx context.Context, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "usersync.load",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
}

// StartCheckInSpan 开始跨进程交接读取 span
func StartCheckInSpan(ctx context.Context, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "usersync.checkin",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
}

// StartRetentionSpan 开始留存扫描 span
func StartRetentionSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "usersync.retention_scan")
}

// EndSpan 记录错误（若有）并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
