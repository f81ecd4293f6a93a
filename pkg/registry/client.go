package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/util/conc"
)

// tracked 客户端内部的实例记录
type tracked struct {
	inst   Instance
	missed int
}

// Client 注册中心客户端
type Client struct {
	src    Source
	cfg    *Config
	clock  clockwork.Clock
	logger logger.Logger

	snap atomic.Pointer[Snapshot]

	// refreshMu 串行化刷新，保护 state 与 version
	refreshMu sync.Mutex
	state     map[string]map[string]*tracked
	version   uint64

	onUpdate  func(*Snapshot)
	onRefresh func(error)

	trigger chan struct{}
	running atomic.Bool
	cancel  context.CancelFunc
	loop    *conc.Future[struct{}]
}

// Option 客户端选项
type Option func(*Client)

// WithClock 注入时钟
func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithOnUpdate 每次发布新快照后回调
func WithOnUpdate(fn func(*Snapshot)) Option {
	return func(cl *Client) { cl.onUpdate = fn }
}

// WithOnRefresh 每次刷新结束后回调，失败时 err 非空
func WithOnRefresh(fn func(err error)) Option {
	return func(cl *Client) { cl.onRefresh = fn }
}

// NewClient 创建注册中心客户端
func NewClient(src Source, cfg *Config, opts ...Option) (*Client, error) {
	if src == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "source is required")
	}
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge registry config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		src:     src,
		cfg:     newCfg,
		clock:   clockwork.NewRealClock(),
		logger:  logger.Default().Named("registry"),
		state:   make(map[string]map[string]*tracked),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(emptySnapshot)
	return c, nil
}

// InstancesFor 返回服务当前的实例，从不阻塞
// 从未成功刷新或服务不存在时返回空
func (c *Client) InstancesFor(service string) []Instance {
	return c.snap.Load().Instances(service)
}

// Snapshot 当前快照
func (c *Client) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Start 执行一次同步刷新并启动后台刷新循环
// 首次刷新失败只记录日志，后续周期继续重试
func (c *Client) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	_ = c.Refresh(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var changes <-chan struct{}
	if n, ok := c.src.(Notifier); ok {
		changes = n.Watch(loopCtx)
	}

	c.loop = conc.Go(func() (struct{}, error) {
		c.run(loopCtx, changes)
		return struct{}{}, nil
	})
	c.logger.Info("registry client started",
		"source", c.src.Name(),
		"interval", c.cfg.RefreshInterval,
		"push", changes != nil,
	)
	return nil
}

// Stop 停止刷新循环并等待退出
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	_, _ = c.loop.Await()
}

// Trigger 请求尽快刷新一次，不阻塞
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Client) run(ctx context.Context, changes <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-c.trigger:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}
		_ = c.Refresh(ctx)
	}
}

// Refresh 拉取一次并发布新快照
// 失败时保留旧快照并返回错误
func (c *Client) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	listing, err := c.src.Fetch(fetchCtx)
	cancel()

	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "fetch from %s", c.src.Name()), ErrFetchFailed)
		c.logger.Warn("registry refresh failed, serving stale snapshot",
			"source", c.src.Name(),
			"snapshot_version", c.snap.Load().Version(),
			"error", err,
		)
		c.notifyRefresh(err)
		return err
	}

	c.apply(listing)
	snap := c.publish()
	c.notifyRefresh(nil)
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
	return nil
}

func (c *Client) notifyRefresh(err error) {
	if c.onRefresh != nil {
		c.onRefresh(err)
	}
}

// apply 合并一次成功的拉取结果
func (c *Client) apply(listing map[string][]Instance) {
	now := c.clock.Now()
	seen := make(map[string]map[string]struct{}, len(listing))

	for service, insts := range listing {
		present := make(map[string]struct{}, len(insts))
		seen[service] = present
		known := c.state[service]

		for _, inst := range insts {
			inst.Service = service
			addr := inst.Address()
			if _, dup := present[addr]; dup {
				continue
			}
			present[addr] = struct{}{}

			if !inst.Status.Healthy() {
				if _, ok := known[addr]; ok {
					delete(known, addr)
					c.logger.Info("instance deregistered", "service", service, "address", addr, "status", inst.Status)
				}
				continue
			}

			if known == nil {
				known = make(map[string]*tracked)
				c.state[service] = known
			}
			inst.LastSeen = now
			if t, ok := known[addr]; ok {
				t.inst = inst
				t.missed = 0
			} else {
				known[addr] = &tracked{inst: inst}
			}
		}
	}

	for service, known := range c.state {
		present := seen[service]
		for addr, t := range known {
			if _, ok := present[addr]; ok {
				continue
			}
			t.missed++
			if t.missed >= c.cfg.EvictAfter {
				delete(known, addr)
				c.logger.Info("instance evicted", "service", service, "address", addr, "missed", t.missed)
			}
		}
		if len(known) == 0 {
			delete(c.state, service)
		}
	}
}

// publish 由 state 构建新快照并原子替换
func (c *Client) publish() *Snapshot {
	c.version++
	snap := &Snapshot{
		version:   c.version,
		updatedAt: c.clock.Now(),
		services:  make(map[string][]Instance, len(c.state)),
	}
	for service, known := range c.state {
		insts := make([]Instance, 0, len(known))
		for _, t := range known {
			insts = append(insts, t.inst)
		}
		sortInstances(insts)
		snap.services[service] = insts
	}
	c.snap.Store(snap)
	return snap
}
