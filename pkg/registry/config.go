package registry

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config 注册中心客户端配置
type Config struct {
	// RefreshInterval 轮询间隔
	RefreshInterval time.Duration `mapstructure:"refresh_interval" json:"refresh_interval"`
	// EvictAfter 连续缺席多少次成功刷新后移除实例
	EvictAfter int `mapstructure:"evict_after" json:"evict_after"`
	// FetchTimeout 单次拉取超时
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval: 30 * time.Second,
		EvictAfter:      3,
		FetchTimeout:    5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "refresh_interval must be positive")
	}
	if c.EvictAfter < 1 {
		return errors.Wrap(ErrInvalidConfig, "evict_after must be at least 1")
	}
	if c.FetchTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "fetch_timeout must be positive")
	}
	return nil
}
