package breaker

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

// Scope 熔断粒度
type Scope string

const (
	// ScopeService 每个逻辑服务一个熔断器
	ScopeService Scope = "service"
	// ScopeInstance 每个实例一个熔断器
	ScopeInstance Scope = "instance"
)

// Policy 熔断策略（纯数据）
type Policy struct {
	Scope    Scope               `mapstructure:"scope" json:"scope"`
	Default  Settings            `mapstructure:"default" json:"default"`
	Services map[string]Settings `mapstructure:"services" json:"services,omitempty"`
}

// DefaultPolicy 默认策略
func DefaultPolicy() *Policy {
	return &Policy{
		Scope:   ScopeService,
		Default: *DefaultSettings(),
	}
}

// Validate 验证策略
func (p *Policy) Validate() error {
	if p.Scope != ScopeService && p.Scope != ScopeInstance {
		return errors.Wrapf(ErrInvalidSettings, "unknown scope %q", p.Scope)
	}
	if err := p.Default.Validate(); err != nil {
		return errors.Wrap(err, "default")
	}
	for name, s := range p.Services {
		s := s
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "service %s", name)
		}
	}
	return nil
}

func (p *Policy) settingsFor(service string) Settings {
	if s, ok := p.Services[service]; ok {
		return s
	}
	return p.Default
}

// Set 按 key 管理熔断器
type Set struct {
	policy   atomic.Pointer[Policy]
	clock    clockwork.Clock
	onChange StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// SetOption Set 选项
type SetOption func(*Set)

// WithSetClock 为所有熔断器注入时钟
func WithSetClock(c clockwork.Clock) SetOption {
	return func(s *Set) { s.clock = c }
}

// WithSetStateChange 为所有熔断器设置状态迁移回调
func WithSetStateChange(fn StateChangeFunc) SetOption {
	return func(s *Set) { s.onChange = fn }
}

// NewSet 创建熔断器集合
func NewSet(policy *Policy, opts ...SetOption) (*Set, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Set{
		clock:    clockwork.NewRealClock(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy.Store(policy)
	return s, nil
}

// Scope 当前熔断粒度
func (s *Set) Scope() Scope {
	return s.policy.Load().Scope
}

// Key 计算熔断器 key
func (s *Set) Key(service, instanceAddr string) string {
	if s.Scope() == ScopeInstance && instanceAddr != "" {
		return service + "/" + instanceAddr
	}
	return service
}

// Get 获取熔断器，不存在或阈值已变更时创建
// 阈值变更后重建的熔断器沿用旧的覆盖与打开状态
func (s *Set) Get(service, instanceAddr string) *Breaker {
	key := s.Key(service, instanceAddr)
	want := s.policy.Load().settingsFor(service)

	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok && b.settings == want {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok = s.breakers[key]
	if ok && b.settings == want {
		return b
	}
	nb, err := New(key, &want, WithClock(s.clock), WithStateChange(s.onChange))
	if err != nil {
		// 策略在 Configure 时已校验
		panic(err)
	}
	if ok {
		nb.inherit(b)
	}
	s.breakers[key] = nb
	return nb
}

// Lookup 查找已存在的熔断器
func (s *Set) Lookup(key string) (*Breaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breakers[key]
	if !ok {
		return nil, errors.Wrapf(ErrBreakerNotFound, "key %s", key)
	}
	return b, nil
}

// Configure 原子替换策略；阈值变化的熔断器在下次访问时以新阈值重建
// 粒度变化时清空全部熔断器
func (s *Set) Configure(policy *Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	old := s.policy.Swap(policy)
	if old.Scope != policy.Scope {
		s.mu.Lock()
		s.breakers = make(map[string]*Breaker)
		s.mu.Unlock()
	}
	return nil
}

// Snapshots 返回所有熔断器快照，按名称排序
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Retain 删除 keep 返回 false 的熔断器（实例下线后回收）
func (s *Set) Retain(keep func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.breakers {
		if !keep(key) {
			delete(s.breakers, key)
			removed++
		}
	}
	return removed
}
