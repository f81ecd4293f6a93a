package sentry

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
)

// Config Sentry 配置，DSN 为空时客户端不上报
type Config struct {
	DSN         string `mapstructure:"dsn" json:"dsn"`
	Environment string `mapstructure:"environment" json:"environment"`
	Release     string `mapstructure:"release" json:"release"`
	ServerName  string `mapstructure:"server_name" json:"server_name"`

	// SampleRate 错误采样率 [0, 1]
	SampleRate       float64 `mapstructure:"sample_rate" json:"sample_rate"`
	AttachStacktrace bool    `mapstructure:"attach_stacktrace" json:"attach_stacktrace"`
	MaxBreadcrumbs   int     `mapstructure:"max_breadcrumbs" json:"max_breadcrumbs"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug" json:"debug"`

	// Tags 全局标签
	Tags map[string]string `mapstructure:"tags" json:"tags"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Environment:      "production",
		SampleRate:       1.0,
		AttachStacktrace: true,
		MaxBreadcrumbs:   100,
		ShutdownTimeout:  2 * time.Second,
		Tags:             map[string]string{"component": "api-gateway"},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return errors.Wrap(ErrInvalidConfig, "sample_rate must be in [0, 1]")
	}
	if c.MaxBreadcrumbs < 0 {
		return errors.Wrap(ErrInvalidConfig, "max_breadcrumbs must not be negative")
	}
	return nil
}

func (c *Config) clientOptions(transport sentry.Transport) sentry.ClientOptions {
	return sentry.ClientOptions{
		Dsn:              c.DSN,
		Environment:      c.Environment,
		Release:          c.Release,
		ServerName:       c.ServerName,
		SampleRate:       c.SampleRate,
		AttachStacktrace: c.AttachStacktrace,
		MaxBreadcrumbs:   c.MaxBreadcrumbs,
		Debug:            c.Debug,
		Transport:        transport,
	}
}
