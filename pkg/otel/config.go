package otel

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config TracerProvider 配置
type Config struct {
	// Enabled 是否启用追踪
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServiceName 资源上的 service.name
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	// Endpoint OTLP HTTP 端点，如 localhost:4318
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// ExporterType 导出器类型: otlp-http, stdout, noop
	ExporterType ExporterType `mapstructure:"exporter_type" json:"exporter_type"`
	// Insecure 不使用 TLS
	Insecure bool `mapstructure:"insecure" json:"insecure"`

	Sampler     SamplerConfig     `mapstructure:"sampler" json:"sampler"`
	BatchExport BatchExportConfig `mapstructure:"batch_export" json:"batch_export"`

	// Attributes 额外的资源属性
	Attributes      map[string]string `mapstructure:"attributes" json:"attributes"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// ExporterType 导出器类型
type ExporterType string

const (
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"
	// ExporterTypeStdout 调试用
	ExporterTypeStdout ExporterType = "stdout"
	ExporterTypeNoop   ExporterType = "noop"
)

// SamplerConfig 采样配置
type SamplerConfig struct {
	// Type always, never, ratio, parent
	Type SamplerType `mapstructure:"type" json:"type"`
	// Ratio 仅 ratio 类型有效
	Ratio float64 `mapstructure:"ratio" json:"ratio"`
}

// SamplerType 采样类型
type SamplerType string

const (
	SamplerTypeAlways SamplerType = "always"
	SamplerTypeNever  SamplerType = "never"
	SamplerTypeRatio  SamplerType = "ratio"
	// SamplerTypeParent 跟随上游 traceparent 的采样决策
	SamplerTypeParent SamplerType = "parent"
)

// BatchExportConfig 批量导出配置
type BatchExportConfig struct {
	BatchSize     int           `mapstructure:"batch_size" json:"batch_size"`
	ExportTimeout time.Duration `mapstructure:"export_timeout" json:"export_timeout"`
	MaxQueueSize  int           `mapstructure:"max_queue_size" json:"max_queue_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout" json:"batch_timeout"`
}

// DefaultConfig 默认配置（默认关闭）
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		ServiceName:  "api-gateway",
		Endpoint:     "localhost:4318",
		ExporterType: ExporterTypeOTLPHTTP,
		Insecure:     true,
		Sampler: SamplerConfig{
			Type:  SamplerTypeParent,
			Ratio: 1.0,
		},
		BatchExport: BatchExportConfig{
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
			MaxQueueSize:  2048,
			BatchTimeout:  5 * time.Second,
		},
		Attributes:      make(map[string]string),
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return ErrInvalidServiceName
	}
	switch c.ExporterType {
	case ExporterTypeOTLPHTTP, ExporterTypeStdout, ExporterTypeNoop:
	default:
		return errors.Wrapf(ErrUnsupportedExporter, "exporter_type %q", c.ExporterType)
	}
	if c.Sampler.Type == SamplerTypeRatio && (c.Sampler.Ratio < 0 || c.Sampler.Ratio > 1) {
		return ErrInvalidSamplerRatio
	}
	return nil
}
