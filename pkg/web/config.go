package web

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/security"
)

// Config Web 服务配置
type Config struct {
	// Addr 监听地址
	Addr string `mapstructure:"addr" json:"addr"`
	// Mode debug, release, test
	Mode         string        `mapstructure:"mode" json:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	// WriteTimeout 需大于最长的路由期限，否则慢响应会被截断
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes" json:"max_header_bytes"`
	// TLS 设置 cert_file 后启用 HTTPS
	TLS security.TLSConfig `mapstructure:"tls" json:"tls"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		Mode:            gin.ReleaseMode,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     90 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxHeaderBytes:  1 << 20,
	}
}

// TLSEnabled 是否启用 HTTPS
func (c *Config) TLSEnabled() bool {
	return c.TLS.CertFile != ""
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "addr is required")
	}
	switch c.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown mode %q", c.Mode)
	}
	if c.TLSEnabled() && c.TLS.KeyFile == "" {
		return errors.Wrap(ErrInvalidConfig, "tls.key_file is required with tls.cert_file")
	}
	return nil
}
