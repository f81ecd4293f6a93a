package etcd

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config etcd 数据源配置
type Config struct {
	// Endpoints etcd 集群地址
	Endpoints []string `mapstructure:"endpoints" json:"endpoints"`
	// DialTimeout 连接超时
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	Username    string        `mapstructure:"username" json:"username,omitempty"`
	Password    string        `mapstructure:"password" json:"-"`
	// Namespace 键前缀，实例键为 <namespace>/<service>/<id>
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		Namespace:   "/services",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("etcd endpoints is required")
	}
	if c.DialTimeout <= 0 {
		return errors.New("etcd dial_timeout must be positive")
	}
	if !strings.HasPrefix(c.Namespace, "/") {
		return errors.Newf("etcd namespace %q must start with /", c.Namespace)
	}
	return nil
}

func (c *Config) prefix() string {
	return strings.TrimSuffix(c.Namespace, "/") + "/"
}
