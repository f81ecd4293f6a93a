package prometheus

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config Prometheus 配置
type Config struct {
	// Namespace 指标前缀
	Namespace string `mapstructure:"namespace" json:"namespace"`
	// Subsystem 子系统（可选）
	Subsystem string `mapstructure:"subsystem" json:"subsystem"`
	// HTTPServer 独立的指标暴露服务
	HTTPServer HTTPServerConfig `mapstructure:"http_server" json:"http_server"`
	// EnableGoCollector 注册 Go 运行时采集器
	EnableGoCollector bool `mapstructure:"enable_go_collector" json:"enable_go_collector"`
	// EnableProcessCollector 注册进程采集器
	EnableProcessCollector bool `mapstructure:"enable_process_collector" json:"enable_process_collector"`
}

// HTTPServerConfig 指标 HTTP 服务配置
type HTTPServerConfig struct {
	// Enabled 为 false 时指标挂在网关自身的 /metrics 上
	Enabled bool          `mapstructure:"enabled" json:"enabled"`
	Addr    string        `mapstructure:"addr" json:"addr"`
	Path    string        `mapstructure:"path" json:"path"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Namespace: "gateway",
		HTTPServer: HTTPServerConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
			Timeout: 10 * time.Second,
		},
		EnableGoCollector:      true,
		EnableProcessCollector: true,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return errors.Wrap(ErrInvalidConfig, "namespace is required")
	}
	if c.HTTPServer.Enabled && c.HTTPServer.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "http_server.addr is required when enabled")
	}
	if c.HTTPServer.Path == "" {
		c.HTTPServer.Path = "/metrics"
	}
	if c.HTTPServer.Timeout <= 0 {
		c.HTTPServer.Timeout = 10 * time.Second
	}
	return nil
}
