// Package consul 基于 Consul catalog/health 的注册中心数据源
package consul

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/util/conc"
)

// Config Consul 数据源配置
type Config struct {
	// Address agent 地址，可带 http:// 或 https:// 前缀
	Address    string `mapstructure:"address" json:"address"`
	Datacenter string `mapstructure:"datacenter" json:"datacenter,omitempty"`
	Token      string `mapstructure:"token" json:"-"`
	// Services 只同步这些服务；为空表示 catalog 中的全部服务
	Services []string `mapstructure:"services" json:"services,omitempty"`
	// Tag 只同步带该标签的实例
	Tag string `mapstructure:"tag" json:"tag,omitempty"`
	// WaitTime 阻塞查询的最长等待
	WaitTime time.Duration `mapstructure:"wait_time" json:"wait_time"`
	// RetryInterval 阻塞查询失败后的重试间隔
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Address:       "127.0.0.1:8500",
		WaitTime:      30 * time.Second,
		RetryInterval: time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("consul address is required")
	}
	if c.WaitTime <= 0 {
		return errors.New("consul wait_time must be positive")
	}
	return nil
}

// Source Consul 数据源
type Source struct {
	client *consulapi.Client
	cfg    *Config
	clock  clockwork.Clock
	logger logger.Logger
}

// Option 数据源选项
type Option func(*Source)

// WithClock 注入时钟，控制阻塞查询失败后的重试节奏
func WithClock(c clockwork.Clock) Option {
	return func(s *Source) { s.clock = c }
}

// New 创建 Consul 数据源
func New(cfg *Config, l logger.Logger, opts ...Option) (*Source, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge consul config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	apiCfg := consulapi.DefaultConfig()
	apiCfg.Address = newCfg.Address
	apiCfg.Datacenter = newCfg.Datacenter
	apiCfg.Token = newCfg.Token
	client, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create consul client")
	}

	if l == nil {
		l = logger.Default()
	}
	s := &Source{
		client: client,
		cfg:    newCfg,
		clock:  clockwork.NewRealClock(),
		logger: l.Named("registry.consul"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name 数据源名称
func (s *Source) Name() string { return "consul" }

// Fetch 拉取服务实例，健康检查未通过的实例以 DOWN 状态返回
func (s *Source) Fetch(ctx context.Context) (map[string][]registry.Instance, error) {
	names := s.cfg.Services
	if len(names) == 0 {
		catalog, _, err := s.client.Catalog().Services((&consulapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, errors.Wrap(err, "list consul catalog")
		}
		names = make([]string, 0, len(catalog))
		for name := range catalog {
			if name == "consul" {
				continue
			}
			names = append(names, name)
		}
	}

	out := make(map[string][]registry.Instance, len(names))
	for _, name := range names {
		entries, _, err := s.client.Health().Service(name, s.cfg.Tag, false, (&consulapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "list consul health for %s", name)
		}
		insts := make([]registry.Instance, 0, len(entries))
		for _, e := range entries {
			if inst, ok := toInstance(name, e); ok {
				insts = append(insts, inst)
			}
		}
		out[name] = insts
	}
	return out, nil
}

func toInstance(service string, e *consulapi.ServiceEntry) (registry.Instance, bool) {
	if e == nil || e.Service == nil {
		return registry.Instance{}, false
	}
	addr := e.Service.Address
	if addr == "" && e.Node != nil {
		addr = e.Node.Address
	}
	if addr == "" {
		return registry.Instance{}, false
	}
	return registry.Instance{
		Service:  service,
		ID:       e.Service.ID,
		Host:     addr,
		Port:     e.Service.Port,
		Status:   statusOf(e.Checks),
		Metadata: e.Service.Meta,
	}, true
}

func statusOf(checks consulapi.HealthChecks) registry.Status {
	switch checks.AggregatedStatus() {
	case consulapi.HealthPassing, consulapi.HealthWarning:
		return registry.StatusUp
	case consulapi.HealthMaint:
		return registry.StatusOutOfService
	default:
		return registry.StatusDown
	}
}

// Watch 以阻塞查询监听 catalog 变化
func (s *Source) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	conc.Go(func() (struct{}, error) {
		defer close(ch)
		var lastIndex uint64
		for {
			opts := (&consulapi.QueryOptions{WaitIndex: lastIndex, WaitTime: s.cfg.WaitTime}).WithContext(ctx)
			_, meta, err := s.client.Catalog().Services(opts)
			if err != nil {
				if ctx.Err() != nil {
					return struct{}{}, nil
				}
				s.logger.Warn("consul blocking query failed", "error", err)
				select {
				case <-ctx.Done():
					return struct{}{}, nil
				case <-s.clock.After(s.cfg.RetryInterval):
				}
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			// 索引回退时重新从头阻塞
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			first := lastIndex == 0
			lastIndex = meta.LastIndex
			if first {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	return ch
}
