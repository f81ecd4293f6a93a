// Package otel 追踪提供者与 HTTP 传播
package otel

import (
	"context"
	"sync/atomic"

	"github.com/restbank/gateway/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider 追踪提供者；未启用时所有 Tracer 都是 noop
type TracerProvider struct {
	config   *Config
	provider *sdktrace.TracerProvider
	closed   atomic.Bool
}

// Option 提供者选项
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter 使用指定导出器替代配置中的类型（测试注入内存导出器）
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// New 创建追踪提供者，启用时同时设为全局 TracerProvider 与传播器
func New(cfg *Config, opts ...Option) (*TracerProvider, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// 传播器总是安装，未启用时仍透传上游 traceparent
	otel.SetTextMapPropagator(NewPropagator())

	p := &TracerProvider{config: newCfg}
	if !newCfg.Enabled {
		return p, nil
	}

	exporter := o.exporter
	if exporter == nil {
		exporter, err = createExporter(context.Background(), newCfg)
		if err != nil {
			return nil, err
		}
		if exporter == nil {
			return p, nil
		}
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(newCfg.ServiceName)}
	for k, v := range newCfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	p.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(newCfg.BatchExport.BatchTimeout),
			sdktrace.WithExportTimeout(newCfg.BatchExport.ExportTimeout),
			sdktrace.WithMaxExportBatchSize(newCfg.BatchExport.BatchSize),
			sdktrace.WithMaxQueueSize(newCfg.BatchExport.MaxQueueSize),
		),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
		sdktrace.WithSampler(createSampler(newCfg.Sampler)),
	)
	otel.SetTracerProvider(p.provider)
	return p, nil
}

func createSampler(cfg SamplerConfig) sdktrace.Sampler {
	switch cfg.Type {
	case SamplerTypeAlways:
		return sdktrace.AlwaysSample()
	case SamplerTypeNever:
		return sdktrace.NeverSample()
	case SamplerTypeRatio:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// Tracer 获取 Tracer
func (p *TracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown 刷新并关闭
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return ErrProviderClosed
	}
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Close 使用 ShutdownTimeout 关闭
func (p *TracerProvider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()
	return p.Shutdown(ctx)
}

// ForceFlush 强制导出缓冲中的 span
func (p *TracerProvider) ForceFlush(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.ForceFlush(ctx)
}

// IsEnabled 是否真正在采集
func (p *TracerProvider) IsEnabled() bool {
	return p.provider != nil
}

// Config 当前配置
func (p *TracerProvider) Config() *Config {
	return p.config
}
