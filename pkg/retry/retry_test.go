package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *Policy {
	return &Policy{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2,
		Deadline:       10 * time.Second,
	}
}

// recorder 记录等待而不真正睡眠
type recorder struct {
	clock  *clockwork.FakeClock
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	r.clock.Advance(d)
	return ctx.Err()
}

func newTestRetrier(t *testing.T, p *Policy, opts ...Option) (*Retrier, *recorder) {
	t.Helper()
	rec := &recorder{clock: clockwork.NewFakeClock()}
	opts = append([]Option{WithClock(rec.clock), WithSleep(rec.sleep), WithJitterSource(func() float64 { return 0 })}, opts...)
	r, err := New(p, opts...)
	require.NoError(t, err)
	return r, rec
}

func TestSchedule(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, p.Schedule())

	p.MaxAttempts = 1
	assert.Empty(t, p.Schedule())
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	r, rec := newTestRetrier(t, testPolicy())

	calls := 0
	err := r.Do(context.Background(), nil, true, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errcode.New(errcode.DownstreamTimeout, "slow")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestDoExhaustedReturnsLastError(t *testing.T) {
	r, _ := newTestRetrier(t, testPolicy())

	calls := 0
	err := r.Do(context.Background(), nil, true, func(ctx context.Context, attempt int) error {
		calls++
		return errcode.Newf(errcode.DownstreamError, "attempt %d refused", attempt)
	})
	assert.Equal(t, 4, calls)
	assert.Equal(t, errcode.DownstreamError, errcode.KindOf(err))
	assert.Contains(t, err.Error(), "attempt 4")
}

func TestDoNonIdempotentSingleAttempt(t *testing.T) {
	r, rec := newTestRetrier(t, testPolicy())

	calls := 0
	err := r.Do(context.Background(), nil, false, func(ctx context.Context, attempt int) error {
		calls++
		return errcode.New(errcode.DownstreamTimeout, "slow")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r, _ := newTestRetrier(t, testPolicy())

	for _, kind := range []errcode.Kind{errcode.NoHealthyInstance, errcode.TokenExpired, errcode.RequestCancelled, errcode.Internal} {
		calls := 0
		err := r.Do(context.Background(), nil, true, func(ctx context.Context, attempt int) error {
			calls++
			return errcode.New(kind, "stop")
		})
		assert.Equal(t, kind, errcode.KindOf(err), kind.String())
		assert.Equal(t, 1, calls, kind.String())
	}
}

func TestDoRespectsDeadline(t *testing.T) {
	p := testPolicy()
	p.Deadline = 250 * time.Millisecond
	r, rec := newTestRetrier(t, p)

	calls := 0
	err := r.Do(context.Background(), nil, true, func(ctx context.Context, attempt int) error {
		calls++
		return errcode.New(errcode.DownstreamTimeout, "slow")
	})
	assert.Error(t, err)
	// 100ms 后重试一次；下一次 200ms 会越过 250ms 期限
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, rec.delays)
}

func TestBudgetTimeoutOverridesPolicy(t *testing.T) {
	r, rec := newTestRetrier(t, testPolicy())
	b := r.NewBudget(time.Second)
	assert.Equal(t, rec.clock.Now().Add(time.Second), b.Deadline())
	assert.Equal(t, 4, b.Remaining())

	assert.True(t, b.Consume())
	assert.Equal(t, 1, b.Attempts())
	assert.Equal(t, 3, b.Remaining())
}

func TestJitterIsBounded(t *testing.T) {
	p := testPolicy()
	p.Jitter = 0.5
	r, rec := newTestRetrier(t, p, WithJitterSource(func() float64 { return 0.99 }))

	_ = r.Do(context.Background(), nil, true, func(ctx context.Context, attempt int) error {
		return errcode.New(errcode.DownstreamTimeout, "slow")
	})
	require.Len(t, rec.delays, 3)
	for i, d := range rec.delays {
		base := p.Backoff(i + 1)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+base/2)
	}
}

func TestCancelledContextStopsWaiting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, err := New(testPolicy(), WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err = r.Do(ctx, nil, true, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errcode.New(errcode.DownstreamTimeout, "slow")
	})
	assert.Equal(t, errcode.DownstreamTimeout, errcode.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.New("plain")))
	assert.True(t, Retryable(errcode.New(errcode.CircuitOpen, "instance open")))
	assert.True(t, Retryable(errcode.New(errcode.NoConnectionAvailable, "pool full")))
	assert.False(t, Retryable(errcode.New(errcode.InsufficientScope, "nope")))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }},
		{"initial over max", func(p *Policy) { p.InitialBackoff = time.Second }},
		{"shrinking multiplier", func(p *Policy) { p.Multiplier = 0.5 }},
		{"jitter too large", func(p *Policy) { p.Jitter = 1 }},
		{"negative deadline", func(p *Policy) { p.Deadline = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			tt.mutate(p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
		})
	}
	assert.NoError(t, DefaultPolicy().Validate())
}
