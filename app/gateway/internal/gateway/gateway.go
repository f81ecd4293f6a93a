// Package gateway 单个请求的编排：路由、鉴权、选实例、转发
//
// 请求按 RECEIVED -> ROUTED -> AUTHENTICATED -> INSTANCE_SELECTED -> FORWARDED -> COMPLETED 推进，
// 任一步失败直接以该步的错误类别结束；只有选实例与转发之间的失败会按重试策略重来。
package gateway

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/app/gateway/internal/forwarder"
	"github.com/restbank/gateway/pkg/balancer"
	"github.com/restbank/gateway/pkg/breaker"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/pool/bytebuff"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/retry"
	"github.com/restbank/gateway/pkg/route"
	"github.com/restbank/gateway/pkg/security"
	"github.com/restbank/gateway/pkg/web/middleware"
	"github.com/restbank/gateway/pkg/web/response"
)

// ErrInvalidDependencies 依赖缺失
var ErrInvalidDependencies = errors.New("gateway: missing dependency")

// errNoAlternative 没有可换的实例，标记在上一次失败上使其不再重试
var errNoAlternative = errors.New("no alternative instance")

// Validator 令牌校验
type Validator interface {
	ValidateHeader(ctx context.Context, header string) (*security.AuthContext, error)
}

// Registry 实例视图
type Registry interface {
	InstancesFor(service string) []registry.Instance
	Snapshot() *registry.Snapshot
}

// Dependencies 编排所需的组件
type Dependencies struct {
	Resolver  *route.Resolver
	Validator Validator
	Registry  Registry
	Balancer  balancer.Balancer
	Breakers  *breaker.Set
	Retry     *retry.Policy
	Forwarder *forwarder.Forwarder
}

// Gateway 请求编排器
type Gateway struct {
	resolver  *route.Resolver
	validator Validator
	registry  Registry
	balancer  balancer.Balancer
	breakers  *breaker.Set
	retrier   *retry.Retrier
	forwarder *forwarder.Forwarder
	pool      *bytebuff.Pool
	logger    logger.Logger

	clock   clockwork.Clock
	sleep   retry.SleepFunc
	onRetry func(service string)
}

// Option 编排器选项
type Option func(*Gateway)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock 注入重试使用的时钟
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithSleep 替换重试等待
func WithSleep(fn retry.SleepFunc) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// WithPool 设置请求体缓冲池
func WithPool(p *bytebuff.Pool) Option {
	return func(g *Gateway) { g.pool = p }
}

// WithRetryObserver 每次重试前回调
func WithRetryObserver(fn func(service string)) Option {
	return func(g *Gateway) { g.onRetry = fn }
}

// New 创建编排器
func New(deps Dependencies, opts ...Option) (*Gateway, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.Wrap(ErrInvalidDependencies, "resolver")
	case deps.Validator == nil:
		return nil, errors.Wrap(ErrInvalidDependencies, "validator")
	case deps.Registry == nil:
		return nil, errors.Wrap(ErrInvalidDependencies, "registry")
	case deps.Breakers == nil:
		return nil, errors.Wrap(ErrInvalidDependencies, "breakers")
	case deps.Forwarder == nil:
		return nil, errors.Wrap(ErrInvalidDependencies, "forwarder")
	}

	g := &Gateway{
		resolver:  deps.Resolver,
		validator: deps.Validator,
		registry:  deps.Registry,
		balancer:  deps.Balancer,
		breakers:  deps.Breakers,
		forwarder: deps.Forwarder,
		pool:      bytebuff.Default(),
		logger:    logger.NewNoop(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gateway")

	if g.balancer == nil {
		g.balancer = balancer.NewRoundRobin()
	}

	retryOpts := []retry.Option{
		retry.WithClock(g.clock),
		retry.WithRetryable(g.retryable),
	}
	if g.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(g.sleep))
	}
	r, err := retry.New(deps.Retry, retryOpts...)
	if err != nil {
		return nil, err
	}
	g.retrier = r
	return g, nil
}

// retryable 服务级熔断打开时换实例也无用，不重试
func (g *Gateway) retryable(err error) bool {
	if errors.Is(err, errNoAlternative) {
		return false
	}
	if errcode.Is(err, errcode.CircuitOpen) {
		return g.breakers.Scope() == breaker.ScopeInstance
	}
	return retry.Retryable(err)
}

// Handle 处理一次代理请求，挂在 NoRoute 上
func (g *Gateway) Handle(c *gin.Context) {
	req := c.Request
	ctx := req.Context()

	// ROUTED
	m, err := g.resolver.Resolve(req.Method, req.URL.EscapedPath())
	if err != nil {
		response.AbortWithError(c, err)
		return
	}
	rt := m.Route
	c.Set(middleware.RouteKey, rt.ID)

	// AUTHENTICATED
	var auth *security.AuthContext
	if !rt.Public {
		auth, err = g.validator.ValidateHeader(ctx, req.Header.Get("Authorization"))
		if err == nil {
			err = auth.Require(rt.Scopes, rt.Roles)
		}
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		ctx = security.WithAuth(ctx, auth)
	}

	// 每个请求只读取一次实例视图
	instances := g.registry.InstancesFor(rt.Service)
	if len(instances) == 0 {
		g.fail(c, rt, errcode.Newf(errcode.NoHealthyInstance, "service %s has no registered instances", rt.Service))
		return
	}

	budget := g.retrier.NewBudget(rt.Timeout)
	idempotent := rt.IsIdempotent(req.Method)
	body, err := g.prepareBody(req, idempotent && budget.Remaining() > 1)
	if err != nil {
		g.fail(c, rt, err)
		return
	}
	defer body.release()

	out := &forwarder.Outbound{
		Route:         rt,
		Method:        req.Method,
		Path:          m.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Host:          req.Host,
		Proto:         scheme(req),
		ClientIP:      c.ClientIP(),
		Auth:          auth,
		Body:          body.source,
		ContentLength: body.length,
	}

	var (
		tried     = make(map[string]struct{}, len(instances))
		lastErr   error
		committed bool
		streamErr error
	)
	err = g.retrier.Do(ctx, budget, idempotent && body.replayable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			g.logger.InfoContext(ctx, "retrying downstream call",
				"route", rt.ID,
				"service", rt.Service,
				"attempt", attempt,
				"error", lastErr,
			)
			if g.onRetry != nil {
				g.onRetry(rt.Service)
			}
		}

		// INSTANCE_SELECTED
		inst, ticket, err := g.admit(rt.Service, instances, tried)
		if err != nil {
			if lastErr != nil {
				return errors.Mark(lastErr, errNoAlternative)
			}
			return err
		}
		tried[inst.Address()] = struct{}{}

		// FORWARDED
		attemptOut := *out
		attemptOut.Instance = inst
		committed, err = g.forwarder.Forward(ctx, c.Writer, &attemptOut, ticket)
		if committed {
			streamErr = err
			return nil
		}
		lastErr = err
		return err
	})

	if committed {
		if streamErr != nil {
			// 响应已部分写出，只能中断连接
			panic(http.ErrAbortHandler)
		}
		return
	}
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) && !errcode.Is(err, errcode.RequestCancelled) {
			err = errcode.Newf(errcode.RequestCancelled, "caller went away: %v", err)
		}
		g.fail(c, rt, err)
	}
}

// admit 为一次尝试选实例并取得熔断凭证
func (g *Gateway) admit(service string, instances []registry.Instance, tried map[string]struct{}) (registry.Instance, *breaker.Ticket, error) {
	if g.breakers.Scope() == breaker.ScopeService {
		ticket, err := g.breakers.Get(service, "").Allow()
		if err != nil {
			return registry.Instance{}, nil, err
		}
		inst, err := g.pick(service, instances, tried, nil)
		if err != nil {
			ticket.Release()
			return registry.Instance{}, nil, err
		}
		return inst, ticket, nil
	}

	inst, err := g.pick(service, instances, tried, func(i registry.Instance) bool {
		return g.breakers.Get(service, i.Address()).Available()
	})
	if err != nil {
		return registry.Instance{}, nil, err
	}
	ticket, err := g.breakers.Get(service, inst.Address()).Allow()
	if err != nil {
		return registry.Instance{}, nil, err
	}
	return inst, ticket, nil
}

// pick 优先选择本次请求未尝试过的实例，全部尝试过时允许重复
func (g *Gateway) pick(service string, instances []registry.Instance, tried map[string]struct{}, usable balancer.Filter) (registry.Instance, error) {
	inst, err := g.balancer.Pick(service, instances, func(i registry.Instance) bool {
		if _, ok := tried[i.Address()]; ok {
			return false
		}
		return usable == nil || usable(i)
	})
	if err != nil && len(tried) > 0 {
		return g.balancer.Pick(service, instances, usable)
	}
	return inst, err
}

// fail 以错误结束请求；服务不可用类错误可被路由的降级提示替换
func (g *Gateway) fail(c *gin.Context, rt *route.Route, err error) {
	switch errcode.KindOf(err) {
	case errcode.CircuitOpen, errcode.NoHealthyInstance, errcode.NoConnectionAvailable:
		response.AbortWithMessage(c, err, rt.FallbackMessage)
	default:
		response.AbortWithError(c, err)
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// requestBody 一次请求的请求体来源
type requestBody struct {
	source     forwarder.BodySource
	length     int64
	replayable bool
	buffered   *bytebuff.Body
}

func (b *requestBody) release() {
	b.buffered.Release()
}

// prepareBody 决定请求体是缓存以供重放还是直接流式转发
// 只有允许重试、长度已知且不超过上限的请求体才会缓存
func (g *Gateway) prepareBody(req *http.Request, mayRetry bool) (*requestBody, error) {
	if req.Body == nil || req.Body == http.NoBody || (req.ContentLength == 0 && len(req.TransferEncoding) == 0) {
		return &requestBody{replayable: true}, nil
	}

	limit := g.forwarder.Config().MaxReplayBody
	if mayRetry && req.ContentLength > 0 && req.ContentLength <= limit {
		buf, err := g.pool.ReadBody(req.Body, limit)
		if err != nil {
			return nil, errcode.Wrap(err, errcode.RequestCancelled, "read request body")
		}
		return &requestBody{
			source:     buf.Reader,
			length:     int64(buf.Len()),
			replayable: true,
			buffered:   buf,
		}, nil
	}

	var used bool
	stream := req.Body
	return &requestBody{
		source: func() io.ReadCloser {
			if used {
				return http.NoBody
			}
			used = true
			return stream
		},
		length: req.ContentLength,
	}, nil
}
