// Package breaker 服务/实例级熔断器
//
// 状态迁移只由结果窗口决定：
//   - CLOSED: 放行并记录结果；样本数达到 MinRequests 且失败率达到阈值时迁移到 OPEN
//   - OPEN: 直接拒绝；冷却期结束后的第一个请求让熔断器进入 HALF_OPEN
//   - HALF_OPEN: 最多放行 HalfOpenRequests 个试探请求，全部成功则 CLOSED，任一失败则重新 OPEN 并重置冷却计时
//
// 手动覆盖（ForceOpen / ForceClosed / Reset）是唯一的外部干预入口。
package breaker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/errcode"
)

// WindowMode 窗口类型
type WindowMode string

const (
	// WindowCount 最近 N 次结果
	WindowCount WindowMode = "count"
	// WindowTime 最近 T 时长内的结果
	WindowTime WindowMode = "time"
)

// Settings 熔断阈值（纯数据，可由配置整体替换）
type Settings struct {
	WindowMode WindowMode `mapstructure:"window_mode" json:"window_mode"`
	// WindowSize count 模式下的窗口容量
	WindowSize int `mapstructure:"window_size" json:"window_size"`
	// WindowDuration time 模式下的窗口时长
	WindowDuration time.Duration `mapstructure:"window_duration" json:"window_duration"`
	// WindowBuckets time 模式下的桶数量
	WindowBuckets int `mapstructure:"window_buckets" json:"window_buckets"`
	// FailureThreshold 失败率阈值 (0, 1]
	FailureThreshold float64 `mapstructure:"failure_threshold" json:"failure_threshold"`
	// MinRequests 参与判断的最小样本数
	MinRequests int `mapstructure:"min_requests" json:"min_requests"`
	// CoolDown OPEN 持续时长
	CoolDown time.Duration `mapstructure:"cool_down" json:"cool_down"`
	// HalfOpenRequests HALF_OPEN 下的试探请求数
	HalfOpenRequests int `mapstructure:"half_open_requests" json:"half_open_requests"`
}

// DefaultSettings 默认阈值
func DefaultSettings() *Settings {
	return &Settings{
		WindowMode:       WindowCount,
		WindowSize:       20,
		WindowDuration:   10 * time.Second,
		WindowBuckets:    10,
		FailureThreshold: 0.5,
		MinRequests:      10,
		CoolDown:         30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Validate 验证阈值
func (s *Settings) Validate() error {
	switch s.WindowMode {
	case WindowCount:
		if s.WindowSize <= 0 {
			return errors.Wrap(ErrInvalidSettings, "window_size must be positive")
		}
	case WindowTime:
		if s.WindowDuration <= 0 {
			return errors.Wrap(ErrInvalidSettings, "window_duration must be positive")
		}
	default:
		return errors.Wrapf(ErrInvalidSettings, "unknown window_mode %q", s.WindowMode)
	}
	if s.FailureThreshold <= 0 || s.FailureThreshold > 1 {
		return errors.Wrap(ErrInvalidSettings, "failure_threshold must be in (0, 1]")
	}
	if s.MinRequests < 1 {
		return errors.Wrap(ErrInvalidSettings, "min_requests must be at least 1")
	}
	if s.CoolDown <= 0 {
		return errors.Wrap(ErrInvalidSettings, "cool_down must be positive")
	}
	if s.HalfOpenRequests < 1 {
		return errors.Wrap(ErrInvalidSettings, "half_open_requests must be at least 1")
	}
	return nil
}

// Override 手动覆盖
type Override int32

const (
	OverrideNone Override = iota
	// OverrideOpen 强制拒绝
	OverrideOpen
	// OverrideClosed 强制放行且不会跳闸
	OverrideClosed
)

// String 返回覆盖名
func (o Override) String() string {
	switch o {
	case OverrideOpen:
		return "forced_open"
	case OverrideClosed:
		return "forced_closed"
	default:
		return "none"
	}
}

// StateChangeFunc 状态迁移回调，在熔断器锁外调用
type StateChangeFunc func(name string, from, to State)

// Breaker 单个熔断器
type Breaker struct {
	name     string
	settings Settings
	clock    clockwork.Clock
	onChange StateChangeFunc

	mu         sync.Mutex
	state      State
	generation uint64
	window     window
	openedAt   time.Time
	override   Override

	// HALF_OPEN 计数
	trialsIssued    int
	trialsSucceeded int
}

// Option 熔断器选项
type Option func(*Breaker)

// WithClock 注入时钟
func WithClock(c clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithStateChange 设置状态迁移回调
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New 创建熔断器
func New(name string, settings *Settings, opts ...Option) (*Breaker, error) {
	s := DefaultSettings()
	if settings != nil {
		s = settings
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	b := &Breaker{
		name:     name,
		settings: *s,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if s.WindowMode == WindowTime {
		b.window = newTimeWindow(b.clock, s.WindowDuration, s.WindowBuckets)
	} else {
		b.window = newCountWindow(s.WindowSize)
	}
	return b, nil
}

// Name 熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Settings 当前阈值
func (b *Breaker) Settings() Settings {
	return b.settings
}

// Ticket 一次准入凭证，结果必须通过 Record 或 Release 归还
type Ticket struct {
	b     *Breaker
	gen   uint64
	trial bool
	done  bool
}

// Allow 准入检查；拒绝时返回 CircuitOpen 类错误
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	from, to, ticket, err := b.allowLocked()
	b.mu.Unlock()

	b.notify(from, to)
	return ticket, err
}

func (b *Breaker) allowLocked() (State, State, *Ticket, error) {
	from := b.state
	switch b.override {
	case OverrideOpen:
		return from, from, nil, errcode.Newf(errcode.CircuitOpen, "breaker %s forced open", b.name)
	case OverrideClosed:
		return from, from, &Ticket{b: b, gen: b.generation}, nil
	}

	switch b.state {
	case StateClosed:
		return from, from, &Ticket{b: b, gen: b.generation}, nil

	case StateOpen:
		if b.clock.Since(b.openedAt) < b.settings.CoolDown {
			return from, from, nil, errcode.Newf(errcode.CircuitOpen, "breaker %s open", b.name)
		}
		b.setStateLocked(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if b.trialsIssued >= b.settings.HalfOpenRequests {
			return from, b.state, nil, errcode.Newf(errcode.CircuitOpen, "breaker %s half-open trials exhausted", b.name)
		}
		b.trialsIssued++
		return from, b.state, &Ticket{b: b, gen: b.generation, trial: true}, nil
	}
	return from, from, nil, errcode.Newf(errcode.CircuitOpen, "breaker %s in unknown state", b.name)
}

// Available 非侵入式的可用性探测，不占用试探名额
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.override {
	case OverrideOpen:
		return false
	case OverrideClosed:
		return true
	}
	switch b.state {
	case StateOpen:
		return b.clock.Since(b.openedAt) >= b.settings.CoolDown
	case StateHalfOpen:
		return b.trialsIssued < b.settings.HalfOpenRequests
	default:
		return true
	}
}

// Record 归还凭证并记录结果
// 凭证签发后熔断器若已迁移（generation 变化），结果被丢弃
func (t *Ticket) Record(o Outcome) {
	if t == nil || t.done {
		return
	}
	t.done = true

	b := t.b
	b.mu.Lock()
	from, to := b.recordLocked(t, o)
	b.mu.Unlock()

	b.notify(from, to)
}

// Release 归还凭证但不计入结果（如调用方取消）
func (t *Ticket) Release() {
	if t == nil || t.done {
		return
	}
	t.done = true

	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.trial && t.gen == b.generation && b.state == StateHalfOpen && b.trialsIssued > 0 {
		b.trialsIssued--
	}
}

func (b *Breaker) recordLocked(t *Ticket, o Outcome) (State, State) {
	from := b.state
	if t.gen != b.generation {
		return from, from
	}

	switch b.state {
	case StateClosed:
		b.window.add(o)
		if b.override == OverrideClosed {
			return from, from
		}
		c := b.window.counts()
		if c.Requests >= b.settings.MinRequests && c.FailureRatio() >= b.settings.FailureThreshold {
			b.tripLocked()
		}

	case StateHalfOpen:
		if !t.trial {
			return from, from
		}
		if o.Failed() {
			b.tripLocked()
			break
		}
		b.trialsSucceeded++
		if b.trialsSucceeded >= b.settings.HalfOpenRequests {
			b.setStateLocked(StateClosed)
		}
	}
	return from, b.state
}

func (b *Breaker) tripLocked() {
	b.setStateLocked(StateOpen)
	b.openedAt = b.clock.Now()
}

// setStateLocked 迁移状态并开启新一代；旧代凭证的结果将被忽略
func (b *Breaker) setStateLocked(s State) {
	b.state = s
	b.generation++
	b.trialsIssued = 0
	b.trialsSucceeded = 0
	if s == StateClosed {
		b.window.reset()
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// inherit 沿用旧熔断器的手动覆盖与打开状态，结果窗口按新阈值重新累计
// HALF_OPEN 回到 OPEN，旧试探凭证的结果不再计入
func (b *Breaker) inherit(old *Breaker) {
	old.mu.Lock()
	override, state, openedAt := old.override, old.state, old.openedAt
	old.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.override = override
	if state != StateClosed {
		b.state = StateOpen
		b.openedAt = openedAt
	}
}

// State 当前状态
// OPEN 且冷却已过时仍返回 OPEN，直到下一次 Allow 触发迁移
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 熔断器快照
type Snapshot struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Override string    `json:"override"`
	Counts   Counts    `json:"counts"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Snapshot 返回当前快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:     b.name,
		State:    b.state,
		Override: b.override.String(),
		Counts:   b.window.counts(),
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// ForceOpen 手动强制打开
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	from := b.state
	b.override = OverrideOpen
	if b.state != StateOpen {
		b.tripLocked()
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// ForceClosed 手动强制关闭
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	from := b.state
	b.override = OverrideClosed
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Reset 清除覆盖与窗口，回到 CLOSED
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.override = OverrideNone
	b.setStateLocked(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
