// Package sentry 错误与 panic 上报
package sentry

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
	"github.com/restbank/gateway/pkg/config"
)

// Client 持有独立 Hub 的 Sentry 客户端
type Client struct {
	hub     *sentry.Hub
	config  *Config
	enabled bool
	closed  atomic.Bool

	captured atomic.Uint64
	dropped  atomic.Uint64
}

// Option 客户端选项
type Option func(*options)

type options struct {
	transport sentry.Transport
}

// WithTransport 替换上报通道
func WithTransport(t sentry.Transport) Option {
	return func(o *options) { o.transport = t }
}

// New 创建客户端
func New(cfg *Config, opts ...Option) (*Client, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sc, err := sentry.NewClient(merged.clientOptions(o.transport))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "create sentry client"), ErrInvalidConfig)
	}

	hub := sentry.NewHub(sc, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range merged.Tags {
			scope.SetTag(k, v)
		}
	})

	return &Client{
		hub:     hub,
		config:  merged,
		enabled: merged.DSN != "" || o.transport != nil,
	}, nil
}

// Enabled 是否真正上报
func (c *Client) Enabled() bool {
	return c.enabled
}

// CaptureError 上报错误，tags 附加到本次事件
func (c *Client) CaptureError(err error, tags map[string]string) string {
	if !c.enabled || c.closed.Load() || err == nil {
		return ""
	}
	var id *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		id = c.hub.CaptureException(err)
	})
	return c.count(id)
}

// CapturePanic 上报 recover() 得到的值，不重新抛出
func (c *Client) CapturePanic(recovered any, tags map[string]string) string {
	if !c.enabled || c.closed.Load() || recovered == nil {
		return ""
	}
	var id *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTags(tags)
		id = c.hub.Recover(recovered)
	})
	return c.count(id)
}

func (c *Client) count(id *sentry.EventID) string {
	if id == nil || *id == "" {
		c.dropped.Add(1)
		return ""
	}
	c.captured.Add(1)
	return string(*id)
}

// Flush 等待事件发送完成
func (c *Client) Flush(timeout time.Duration) bool {
	return c.hub.Flush(timeout)
}

// Close 刷新后关闭
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClientClosed
	}
	c.hub.Flush(c.config.ShutdownTimeout)
	return nil
}

// Stats 上报统计
type Stats struct {
	Captured uint64
	Dropped  uint64
}

// Stats 返回统计
func (c *Client) Stats() Stats {
	return Stats{Captured: c.captured.Load(), Dropped: c.dropped.Load()}
}
