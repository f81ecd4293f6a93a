package middleware

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/cache/lru"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/web/response"
	"golang.org/x/time/rate"
)

// ErrInvalidRateLimit 限流配置无效
var ErrInvalidRateLimit = errors.New("middleware: invalid rate limit config")

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// RequestsPerSecond 令牌补充速率
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	// Burst 桶容量
	Burst int `mapstructure:"burst" json:"burst"`
	// PerIP 按客户端 IP 分桶，否则全局一个桶
	PerIP bool `mapstructure:"per_ip" json:"per_ip"`
	// SkipPaths 不限流的路径（精确匹配）
	SkipPaths []string `mapstructure:"skip_paths" json:"skip_paths"`

	MaxLimiters     int           `mapstructure:"max_limiters" json:"max_limiters"`
	LimiterTTL      time.Duration `mapstructure:"limiter_ttl" json:"limiter_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
}

// DefaultRateLimitConfig 默认限流配置（默认关闭）
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		PerIP:             true,
		SkipPaths:         []string{"/healthcheck"},
		MaxLimiters:       10000,
		LimiterTTL:        10 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Validate 验证配置
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequestsPerSecond <= 0 {
		return errors.Wrap(ErrInvalidRateLimit, "requests_per_second must be positive")
	}
	if c.Burst < 1 {
		return errors.Wrap(ErrInvalidRateLimit, "burst must be at least 1")
	}
	return nil
}

// RateLimiter 令牌桶限流器
type RateLimiter struct {
	cfg      RateLimitConfig
	clock    clockwork.Clock
	global   *rate.Limiter
	limiters *lru.LRU[string, *rate.Limiter]
	skip     map[string]struct{}
	logger   logger.Logger
}

// RateLimitOption 限流器选项
type RateLimitOption func(*RateLimiter)

// WithRateLimitClock 注入时钟
func WithRateLimitClock(clock clockwork.Clock) RateLimitOption {
	return func(rl *RateLimiter) { rl.clock = clock }
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg *RateLimitConfig, l logger.Logger, opts ...RateLimitOption) (*RateLimiter, error) {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rl := &RateLimiter{
		cfg:    *cfg,
		clock:  clockwork.NewRealClock(),
		global: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		skip:   make(map[string]struct{}, len(cfg.SkipPaths)),
		logger: l,
	}
	for _, opt := range opts {
		opt(rl)
	}
	for _, p := range cfg.SkipPaths {
		rl.skip[p] = struct{}{}
	}

	rl.limiters = lru.New[string, *rate.Limiter](
		&lru.Config{
			MaxSize:         cfg.MaxLimiters,
			DefaultTTL:      cfg.LimiterTTL,
			CleanupInterval: cfg.CleanupInterval,
		},
		lru.WithClock[string, *rate.Limiter](rl.clock),
		lru.WithOnEvict(func(key string, _ *rate.Limiter) {
			l.Debug("rate limiter evicted", "key", key)
		}),
	)
	return rl, nil
}

// Allow 消耗 key 对应桶中的一个令牌
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()
	if key == "" {
		return rl.global.AllowN(now, 1)
	}
	limiter := rl.limiters.GetOrCreate(key, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)
	})
	return limiter.AllowN(now, 1)
}

// Close 停止后台清理
func (rl *RateLimiter) Close() error {
	return rl.limiters.Close()
}

// Handler 限流中间件，超限返回 RateLimited
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := rl.skip[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		var key string
		if rl.cfg.PerIP {
			key = "ip:" + c.ClientIP()
		}
		if !rl.Allow(key) {
			rl.logger.WarnContext(c.Request.Context(), "rate limit exceeded", "key", key, "path", c.Request.URL.Path)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rl.cfg.RequestsPerSecond)))
			response.AbortWithError(c, errcode.Newf(errcode.RateLimited, "rate limit exceeded for %s", key))
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(rps float64) int {
	secs := int(1 / rps)
	if secs < 1 {
		return 1
	}
	return secs
}
