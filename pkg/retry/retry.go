// Package retry 有界重试与退避
//
// 退避序列是确定的：第 n 次重试前等待 InitialBackoff * Multiplier^(n-1)，上限 MaxBackoff；
// 抖动只在确定序列之上叠加 [0, Jitter) 比例的随机量。
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/errcode"
)

// ErrInvalidPolicy 策略非法
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy 重试策略（纯数据）
type Policy struct {
	// MaxAttempts 总尝试次数（含首次），1 表示不重试
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
	// InitialBackoff 首次重试前的等待
	InitialBackoff time.Duration `mapstructure:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff 单次等待上限
	MaxBackoff time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	// Multiplier 退避倍数
	Multiplier float64 `mapstructure:"multiplier" json:"multiplier"`
	// Jitter 抖动比例 [0, 1)
	Jitter float64 `mapstructure:"jitter" json:"jitter"`
	// Deadline 单个请求的总期限（含所有尝试与等待），0 表示不限
	Deadline time.Duration `mapstructure:"deadline" json:"deadline"`
}

// DefaultPolicy 默认策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		Deadline:       10 * time.Second,
	}
}

// Validate 验证策略
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.Wrap(ErrInvalidPolicy, "max_attempts must be at least 1")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return errors.Wrap(ErrInvalidPolicy, "backoff must not be negative")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return errors.Wrap(ErrInvalidPolicy, "initial_backoff exceeds max_backoff")
	}
	if p.Multiplier < 1 {
		return errors.Wrap(ErrInvalidPolicy, "multiplier must be at least 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.Wrap(ErrInvalidPolicy, "jitter must be in [0, 1)")
	}
	if p.Deadline < 0 {
		return errors.Wrap(ErrInvalidPolicy, "deadline must not be negative")
	}
	return nil
}

// Backoff 第 retry 次重试（从 1 开始）前的确定等待时长
func (p *Policy) Backoff(retry int) time.Duration {
	if retry < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(retry-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Schedule 全部重试的确定等待序列
func (p *Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, p.Backoff(i))
	}
	return out
}

// Retryable 判断错误是否值得在另一个实例上重试
// 超时、连接失败、实例级熔断与连接池耗尽可重试；鉴权与路由类错误不可重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch errcode.KindOf(err) {
	case errcode.DownstreamTimeout,
		errcode.DownstreamError,
		errcode.CircuitOpen,
		errcode.NoConnectionAvailable:
		return true
	default:
		return false
	}
}

// Budget 单个请求的重试预算，非并发安全
type Budget struct {
	policy   Policy
	attempts int
	deadline time.Time
	jitter   func() float64
	clock    clockwork.Clock
}

// Attempts 已消耗的尝试次数
func (b *Budget) Attempts() int { return b.attempts }

// Remaining 剩余尝试次数
func (b *Budget) Remaining() int {
	if r := b.policy.MaxAttempts - b.attempts; r > 0 {
		return r
	}
	return 0
}

// Deadline 硬期限，零值表示不限
func (b *Budget) Deadline() time.Time { return b.deadline }

// Consume 占用一次尝试，预算耗尽时返回 false
func (b *Budget) Consume() bool {
	if b.Remaining() == 0 {
		return false
	}
	b.attempts++
	return true
}

// NextDelay 下一次重试前的等待（含抖动）
// 等待结束会越过期限时返回 false
func (b *Budget) NextDelay() (time.Duration, bool) {
	if b.Remaining() == 0 {
		return 0, false
	}
	d := b.policy.Backoff(b.attempts)
	if b.policy.Jitter > 0 && d > 0 {
		d += time.Duration(float64(d) * b.policy.Jitter * b.jitter())
	}
	if !b.deadline.IsZero() && !b.clock.Now().Add(d).Before(b.deadline) {
		return 0, false
	}
	return d, true
}

// SleepFunc 可取消的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier 按策略执行重试
type Retrier struct {
	policy    Policy
	clock     clockwork.Clock
	sleep     SleepFunc
	jitter    func() float64
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
}

// Option Retrier 选项
type Option func(*Retrier)

// WithClock 注入时钟
func WithClock(c clockwork.Clock) Option {
	return func(r *Retrier) { r.clock = c }
}

// WithSleep 替换等待实现
func WithSleep(fn SleepFunc) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithJitterSource 替换抖动随机源，返回值须在 [0, 1)
func WithJitterSource(fn func() float64) Option {
	return func(r *Retrier) { r.jitter = fn }
}

// WithRetryable 替换可重试判定
func WithRetryable(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryable = fn }
}

// WithOnRetry 每次决定重试时回调
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// New 创建 Retrier
func New(policy *Policy, opts ...Option) (*Retrier, error) {
	p := DefaultPolicy()
	if policy != nil {
		p = policy
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r := &Retrier{
		policy:    *p,
		clock:     clockwork.NewRealClock(),
		retryable: Retryable,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sleep == nil {
		r.sleep = clockSleep(r.clock)
	}
	if r.jitter == nil {
		r.jitter = lockedRand()
	}
	return r, nil
}

// Policy 当前策略
func (r *Retrier) Policy() Policy { return r.policy }

// NewBudget 为一个请求创建预算；timeout > 0 时覆盖策略期限
func (r *Retrier) NewBudget(timeout time.Duration) *Budget {
	b := &Budget{policy: r.policy, jitter: r.jitter, clock: r.clock}
	if timeout <= 0 {
		timeout = r.policy.Deadline
	}
	if timeout > 0 {
		b.deadline = r.clock.Now().Add(timeout)
	}
	return b
}

// Do 执行 fn 直到成功、遇到不可重试错误、预算或期限耗尽
// idempotent 为 false 时只尝试一次；耗尽时返回最后一次失败
func (r *Retrier) Do(ctx context.Context, b *Budget, idempotent bool, fn func(ctx context.Context, attempt int) error) error {
	if b == nil {
		b = r.NewBudget(0)
	}
	if !b.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.deadline.Sub(b.clock.Now()))
		defer cancel()
	}

	var lastErr error
	for b.Consume() {
		err := fn(ctx, b.attempts)
		if err == nil {
			return nil
		}
		lastErr = err

		if !idempotent || !r.retryable(err) {
			return err
		}
		delay, ok := b.NextDelay()
		if !ok {
			return lastErr
		}
		if r.onRetry != nil {
			r.onRetry(b.attempts, delay, err)
		}
		if delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return lastErr
			}
		} else if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func clockSleep(c clockwork.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		timer := c.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return nil
		}
	}
}

func lockedRand() func() float64 {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}
