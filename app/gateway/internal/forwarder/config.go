package forwarder

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/security"
)

// ErrInvalidConfig 配置非法
var ErrInvalidConfig = errors.New("invalid forwarder config")

// Config 下游转发配置
type Config struct {
	// AttemptTimeout 单次尝试等待响应头的期限
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
	// DialTimeout 建连超时
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	// MaxConnsPerInstance 每个实例的并发请求上限，超出返回 NoConnectionAvailable
	MaxConnsPerInstance int `mapstructure:"max_conns_per_instance" json:"max_conns_per_instance"`
	// MaxIdleConnsPerInstance 每个实例保留的空闲连接
	MaxIdleConnsPerInstance int `mapstructure:"max_idle_conns_per_instance" json:"max_idle_conns_per_instance"`
	// IdleConnTimeout 空闲连接回收时间
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" json:"idle_conn_timeout"`
	// MaxReplayBody 为重试缓存请求体的上限（字节）
	MaxReplayBody int64 `mapstructure:"max_replay_body" json:"max_replay_body"`
	// Scheme 访问实例的协议，实例 metadata 中的 scheme 优先
	Scheme string `mapstructure:"scheme" json:"scheme"`
	// TLS 访问 https 实例时的客户端配置
	TLS security.TLSConfig `mapstructure:"tls" json:"tls"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		AttemptTimeout:          5 * time.Second,
		DialTimeout:             2 * time.Second,
		MaxConnsPerInstance:     256,
		MaxIdleConnsPerInstance: 64,
		IdleConnTimeout:         90 * time.Second,
		MaxReplayBody:           1 << 20,
		Scheme:                  "http",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.AttemptTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "attempt_timeout must be positive")
	}
	if c.DialTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "dial_timeout must be positive")
	}
	if c.MaxConnsPerInstance < 1 {
		return errors.Wrap(ErrInvalidConfig, "max_conns_per_instance must be at least 1")
	}
	if c.MaxReplayBody < 0 {
		return errors.Wrap(ErrInvalidConfig, "max_replay_body must not be negative")
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return errors.Wrapf(ErrInvalidConfig, "unknown scheme %q", c.Scheme)
	}
	return nil
}
