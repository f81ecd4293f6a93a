// Package lru 带 TTL 的有界 LRU 缓存
package lru

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/util/conc"
)

// Config LRU 配置
type Config struct {
	// MaxSize 最大条目数
	MaxSize int `mapstructure:"max_size" json:"max_size"`
	// DefaultTTL 条目空闲多久后过期
	DefaultTTL time.Duration `mapstructure:"default_ttl" json:"default_ttl"`
	// CleanupInterval 后台清理间隔，0 表示只在访问时惰性清理
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxSize:         10000,
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// LRU 并发安全的 LRU 缓存
type LRU[K comparable, V any] struct {
	cfg   Config
	clock clockwork.Clock

	mu    sync.Mutex
	order *list.List
	items map[K]*list.Element

	onEvict func(key K, value V)

	stopOnce sync.Once
	stopCh   chan struct{}
	cleaner  *conc.Future[struct{}]
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Option LRU 配置选项
type Option[K comparable, V any] func(*LRU[K, V])

// WithOnEvict 设置淘汰回调（在锁内调用，回调中不得访问缓存）
func WithOnEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(c *LRU[K, V]) { c.onEvict = fn }
}

// WithClock 注入时钟
func WithClock[K comparable, V any](clock clockwork.Clock) Option[K, V] {
	return func(c *LRU[K, V]) { c.clock = clock }
}

// New 创建 LRU 缓存，cfg 中未设置的字段使用默认值
func New[K comparable, V any](cfg *Config, opts ...Option[K, V]) *LRU[K, V] {
	merged := *DefaultConfig()
	if cfg != nil {
		if cfg.MaxSize > 0 {
			merged.MaxSize = cfg.MaxSize
		}
		if cfg.DefaultTTL > 0 {
			merged.DefaultTTL = cfg.DefaultTTL
		}
		merged.CleanupInterval = cfg.CleanupInterval
	}

	c := &LRU[K, V]{
		cfg:    merged,
		clock:  clockwork.NewRealClock(),
		order:  list.New(),
		items:  make(map[K]*list.Element),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if merged.CleanupInterval > 0 {
		c.cleaner = conc.Go(func() (struct{}, error) {
			c.cleanupLoop()
			return struct{}{}, nil
		})
	}
	return c
}

func (c *LRU[K, V]) cleanupLoop() {
	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.RemoveExpired()
		case <-c.stopCh:
			return
		}
	}
}

// RemoveExpired 移除全部过期条目，返回移除数量
func (c *LRU[K, V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for e := c.order.Back(); e != nil; {
		prev := e.Prev()
		if now.After(e.Value.(*entry[K, V]).expiresAt) {
			c.removeElement(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Get 获取值并刷新其位置与过期时间
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		now := c.clock.Now()
		if now.After(ent.expiresAt) {
			c.removeElement(elem)
			var zero V
			return zero, false
		}
		ent.expiresAt = now.Add(c.cfg.DefaultTTL)
		c.order.MoveToFront(elem)
		return ent.value, true
	}
	var zero V
	return zero, false
}

// Set 设置值
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// GetOrCreate 原子地获取或创建
func (c *LRU[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		now := c.clock.Now()
		if !now.After(ent.expiresAt) {
			ent.expiresAt = now.Add(c.cfg.DefaultTTL)
			c.order.MoveToFront(elem)
			return ent.value
		}
		c.removeElement(elem)
	}
	value := create()
	c.setLocked(key, value)
	return value
}

func (c *LRU[K, V]) setLocked(key K, value V) {
	expiresAt := c.clock.Now().Add(c.cfg.DefaultTTL)
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.cfg.MaxSize {
		c.removeElement(c.order.Back())
	}
}

// Delete 删除
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close 停止后台清理
func (c *LRU[K, V]) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.cleaner != nil {
			_, _ = c.cleaner.Await()
		}
	})
	return nil
}

func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	ent := elem.Value.(*entry[K, V])
	delete(c.items, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
