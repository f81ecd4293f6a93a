// Package conf 网关进程的完整配置
package conf

import (
	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/app/gateway/internal/forwarder"
	"github.com/restbank/gateway/pkg/breaker"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/otel"
	"github.com/restbank/gateway/pkg/prometheus"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/registry/consul"
	"github.com/restbank/gateway/pkg/registry/etcd"
	"github.com/restbank/gateway/pkg/retry"
	"github.com/restbank/gateway/pkg/route"
	"github.com/restbank/gateway/pkg/security"
	"github.com/restbank/gateway/pkg/sentry"
	"github.com/restbank/gateway/pkg/web"
	"github.com/restbank/gateway/pkg/web/middleware"
)

// 注册中心数据源
const (
	SourceStatic = "static"
	SourceConsul = "consul"
	SourceEtcd   = "etcd"
)

// RegistryConfig 服务发现配置
type RegistryConfig struct {
	Source  string          `mapstructure:"source" json:"source" validate:"oneof=static consul etcd"`
	Refresh registry.Config `mapstructure:"refresh" json:"refresh"`
	// Static 按服务名声明的固定实例，仅 source=static 时使用
	Static map[string][]registry.Instance `mapstructure:"static" json:"static,omitempty"`
	Consul consul.Config                  `mapstructure:"consul" json:"consul"`
	Etcd   etcd.Config                    `mapstructure:"etcd" json:"etcd"`
}

// AdminConfig 管理接口
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Allowlist 可访问 /-/ 下管理接口的来源 IP 或 CIDR
	Allowlist []string `mapstructure:"allowlist" json:"allowlist" validate:"required_if=Enabled true"`
}

// Config 网关配置
type Config struct {
	Log       logger.Config              `mapstructure:"log" json:"log"`
	Web       web.Config                 `mapstructure:"web" json:"web"`
	Registry  RegistryConfig             `mapstructure:"registry" json:"registry"`
	Balancer  string                     `mapstructure:"balancer" json:"balancer" validate:"oneof=round_robin random weighted"`
	Auth      security.Config            `mapstructure:"auth" json:"auth"`
	Breaker   breaker.Policy             `mapstructure:"breaker" json:"breaker"`
	Retry     retry.Policy               `mapstructure:"retry" json:"retry"`
	Forwarder forwarder.Config           `mapstructure:"forwarder" json:"forwarder"`
	Routes    []route.Spec               `mapstructure:"routes" json:"routes" validate:"required,min=1"`
	RateLimit middleware.RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`

	Prometheus prometheus.Config `mapstructure:"prometheus" json:"prometheus"`
	Otel       otel.Config       `mapstructure:"otel" json:"otel"`
	Sentry     sentry.Config     `mapstructure:"sentry" json:"sentry"`
	Admin      AdminConfig       `mapstructure:"admin" json:"admin"`
}

// DefaultConfig 默认配置，文件与环境变量在其上覆盖
func DefaultConfig() *Config {
	tracing := otel.DefaultConfig()
	tracing.ServiceName = "api-gateway"
	return &Config{
		Log: *logger.DefaultConfig(),
		Web: *web.DefaultConfig(),
		Registry: RegistryConfig{
			Source:  SourceStatic,
			Refresh: *registry.DefaultConfig(),
			Consul:  *consul.DefaultConfig(),
			Etcd:    *etcd.DefaultConfig(),
		},
		Balancer:   "round_robin",
		Auth:       *security.DefaultConfig(),
		Breaker:    *breaker.DefaultPolicy(),
		Retry:      *retry.DefaultPolicy(),
		Forwarder:  *forwarder.DefaultConfig(),
		RateLimit:  *middleware.DefaultRateLimitConfig(),
		Prometheus: *prometheus.DefaultConfig(),
		Otel:       *tracing,
		Sentry:     *sentry.DefaultConfig(),
		Admin: AdminConfig{
			Enabled:   true,
			Allowlist: []string{"127.0.0.1", "::1"},
		},
	}
}

type check struct {
	name string
	fn   func() error
}

// Validate 校验 tag 规则后逐个校验各组件配置
func (c *Config) Validate() error {
	if err := config.NewValidator().Validate(c); err != nil {
		return err
	}

	checks := []check{
		{"log", c.Log.Validate},
		{"web", c.Web.Validate},
		{"registry.refresh", c.Registry.Refresh.Validate},
		{"auth", c.Auth.Validate},
		{"breaker", c.Breaker.Validate},
		{"retry", c.Retry.Validate},
		{"forwarder", c.Forwarder.Validate},
		{"rate_limit", c.RateLimit.Validate},
		{"prometheus", c.Prometheus.Validate},
		{"otel", c.Otel.Validate},
		{"sentry", c.Sentry.Validate},
	}
	switch c.Registry.Source {
	case SourceConsul:
		checks = append(checks, check{"registry.consul", c.Registry.Consul.Validate})
	case SourceEtcd:
		checks = append(checks, check{"registry.etcd", c.Registry.Etcd.Validate})
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return errors.Wrap(err, ch.name)
		}
	}

	if _, err := route.NewTable(c.Routes); err != nil {
		return errors.Wrap(err, "routes")
	}
	if c.Admin.Enabled {
		if _, err := security.NewIPAllowlist(c.Admin.Allowlist); err != nil {
			return errors.Wrap(err, "admin.allowlist")
		}
	}
	if d := c.Retry.Deadline; d > 0 && d >= c.Web.WriteTimeout {
		return errors.Newf("retry.deadline %s must be shorter than web.write_timeout %s", d, c.Web.WriteTimeout)
	}
	return nil
}

// Reload 从配置管理器重新解析完整配置
func Reload(mgr config.Manager) (*Config, error) {
	next := DefaultConfig()
	if err := mgr.Unmarshal(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
