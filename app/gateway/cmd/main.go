package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/app/gateway/internal/conf"
	"github.com/restbank/gateway/app/gateway/internal/forwarder"
	"github.com/restbank/gateway/app/gateway/internal/gateway"
	"github.com/restbank/gateway/app/gateway/internal/metrics"
	"github.com/restbank/gateway/pkg/app"
	"github.com/restbank/gateway/pkg/balancer"
	"github.com/restbank/gateway/pkg/breaker"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/otel"
	"github.com/restbank/gateway/pkg/prometheus"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/registry/consul"
	"github.com/restbank/gateway/pkg/registry/etcd"
	"github.com/restbank/gateway/pkg/route"
	"github.com/restbank/gateway/pkg/security"
	"github.com/restbank/gateway/pkg/sentry"
	"github.com/restbank/gateway/pkg/web"
	"github.com/restbank/gateway/pkg/web/middleware"
)

func main() {
	cfg := conf.DefaultConfig()

	// 1. 加载配置
	loaded, err := app.LoadConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	l, err := logger.New(&cfg.Log)
	if err != nil {
		panic(err)
	}
	logger.SetDefault(l)

	if err := run(cfg, loaded, l); err != nil {
		l.Error("gateway exited with error", "error", err)
		_ = l.Sync()
		os.Exit(1)
	}
}

func run(cfg *conf.Config, loaded *app.Loaded, l logger.Logger) error {
	application := app.NewBaseApp(
		app.WithName("gateway"),
		app.WithLogger(l),
	)

	// 3. 错误上报与追踪
	reporter, err := sentry.New(&cfg.Sentry)
	if err != nil {
		return err
	}
	application.AppendCloser(reporter)

	tracing, err := otel.New(&cfg.Otel)
	if err != nil {
		return err
	}
	application.AppendCloser(tracing)

	// 4. 指标
	prom, err := prometheus.New(&cfg.Prometheus, prometheus.WithLogger(l.Named("prometheus")))
	if err != nil {
		return err
	}
	application.AppendCloser(prom)
	m, err := metrics.New(prom)
	if err != nil {
		return err
	}

	// 5. 服务发现；快照回调在网关创建之后才会触发
	src, err := newSource(cfg, l, application)
	if err != nil {
		return err
	}
	var gw *gateway.Gateway
	reg, err := registry.NewClient(src, &cfg.Registry.Refresh,
		registry.WithLogger(l.Named("registry")),
		registry.WithOnRefresh(m.RegistryRefreshed),
		registry.WithOnUpdate(func(snap *registry.Snapshot) {
			m.RegistryUpdated(snap)
			if gw == nil {
				return
			}
			for _, key := range gw.Prune(snap) {
				m.ForgetBreaker(key)
			}
		}),
	)
	if err != nil {
		return err
	}

	// 6. 令牌校验
	validator, err := security.NewValidator(&cfg.Auth,
		security.WithLogger(l.Named("auth")),
		security.WithRefreshHook(m.JWKSRefreshed),
	)
	if err != nil {
		return err
	}

	// 7. 熔断、转发、负载均衡
	breakerLog := l.Named("breaker")
	breakers, err := breaker.NewSet(&cfg.Breaker, breaker.WithSetStateChange(func(key string, from, to breaker.State) {
		m.BreakerStateChanged(key, from, to)
		breakerLog.Warn("breaker state changed", "key", key, "from", from.String(), "to", to.String())
	}))
	if err != nil {
		return err
	}

	fwd, err := forwarder.New(&cfg.Forwarder,
		forwarder.WithLogger(l.Named("forwarder")),
		forwarder.WithAttemptObserver(m.ObserveAttempt),
	)
	if err != nil {
		return err
	}
	application.AppendCloser(fwd)

	lb, err := balancer.New(cfg.Balancer)
	if err != nil {
		return err
	}

	resolver, err := route.NewResolver(cfg.Routes)
	if err != nil {
		return err
	}

	// 8. 网关
	gw, err = gateway.New(gateway.Dependencies{
		Resolver:  resolver,
		Validator: validator,
		Registry:  reg,
		Balancer:  lb,
		Breakers:  breakers,
		Retry:     &cfg.Retry,
		Forwarder: fwd,
	},
		gateway.WithLogger(l.Named("gateway")),
		gateway.WithRetryObserver(m.ObserveRetry),
	)
	if err != nil {
		return err
	}

	// 9. 入站 HTTP
	srv, err := web.NewServer(&cfg.Web, l)
	if err != nil {
		return err
	}
	srv.Use(
		middleware.Recovery(l.Named("recovery"), reporter),
		middleware.CorrelationID(),
		middleware.Tracing(tracing.Tracer("api-gateway")),
		middleware.Metrics(m.ObserveRequest),
		middleware.Logger(l.Named("access")),
	)
	if cfg.RateLimit.Enabled {
		limiter, err := middleware.NewRateLimiter(&cfg.RateLimit, l.Named("ratelimit"))
		if err != nil {
			return err
		}
		application.AppendCloser(limiter)
		srv.Use(limiter.Handler())
	}

	if !prom.Config().HTTPServer.Enabled {
		srv.Router().GET(prom.Config().HTTPServer.Path, gin.WrapH(prom.Handler()))
	}

	var allow *security.IPAllowlist
	if cfg.Admin.Enabled {
		allow, err = security.NewIPAllowlist(cfg.Admin.Allowlist)
		if err != nil {
			return err
		}
	}
	gw.Register(srv.Router(), allow)

	// 10. 热更新路由与熔断阈值
	if loaded.Path != "" {
		if err := loaded.Manager.Watch(func() {
			next, err := conf.Reload(loaded.Manager)
			if err != nil {
				l.Error("config reload rejected", "error", err)
				return
			}
			if err := resolver.Replace(next.Routes); err != nil {
				l.Error("route reload rejected", "error", err)
				return
			}
			if err := breakers.Configure(&next.Breaker); err != nil {
				l.Error("breaker reload rejected", "error", err)
				return
			}
			l.Info("config reloaded", "routes", len(next.Routes), "breaker_scope", string(next.Breaker.Scope))
		}); err != nil {
			l.Warn("config watch unavailable", "error", err)
		}
	}

	application.AppendServer(&registryServer{client: reg}, newWebServer(srv))

	return application.Run(context.Background())
}

// newSource 按配置创建注册中心数据源
func newSource(cfg *conf.Config, l logger.Logger, a *app.BaseApp) (registry.Source, error) {
	switch cfg.Registry.Source {
	case conf.SourceConsul:
		s, err := consul.New(&cfg.Registry.Consul, l.Named("registry.consul"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case conf.SourceEtcd:
		s, err := etcd.New(&cfg.Registry.Etcd, l.Named("registry.etcd"))
		if err != nil {
			return nil, err
		}
		a.AppendCloser(s)
		return s, nil
	default:
		return registry.NewStatic(cfg.Registry.Static), nil
	}
}
