// Package prometheus 指标注册与暴露
package prometheus

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/util/conc"
)

// Client 持有独立的 Registry，避免与全局 DefaultRegisterer 互相污染
type Client struct {
	config   *Config
	registry *prometheus.Registry
	logger   logger.Logger

	mu      sync.Mutex
	metrics map[string]prometheus.Collector

	httpServer *http.Server
	closed     atomic.Bool
}

// Option 客户端选项
type Option func(*Client)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New 创建客户端；HTTPServer.Enabled 时同时启动独立的指标服务
func New(cfg *Config, opts ...Option) (*Client, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:   merged,
		registry: prometheus.NewRegistry(),
		logger:   logger.NewNoop(),
		metrics:  make(map[string]prometheus.Collector),
	}
	for _, opt := range opts {
		opt(c)
	}

	if merged.EnableGoCollector {
		c.registry.MustRegister(collectors.NewGoCollector())
	}
	if merged.EnableProcessCollector {
		c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	if merged.HTTPServer.Enabled {
		c.startHTTPServer()
	}
	return c, nil
}

// Registry 底层 Registry
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 指标暴露 Handler
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Config 当前配置
func (c *Client) Config() *Config {
	return c.config
}

func (c *Client) startHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle(c.config.HTTPServer.Path, c.Handler())

	c.httpServer = &http.Server{
		Addr:         c.config.HTTPServer.Addr,
		Handler:      mux,
		ReadTimeout:  c.config.HTTPServer.Timeout,
		WriteTimeout: c.config.HTTPServer.Timeout,
	}

	srv := c.httpServer
	conc.Go(func() (struct{}, error) {
		c.logger.Info("metrics server listening", "addr", srv.Addr, "path", c.config.HTTPServer.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server stopped", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
}

// Close 关闭指标服务
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	if c.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.httpServer.Shutdown(ctx)
}

// IsClosed 是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
