// Package forwarder 把一次请求尝试转发到选定的实例
//
// 每次尝试独占实例的一个并发名额；等待响应头受单次期限约束，
// 响应体以流式写回，期限由整体请求上下文决定。
// 尝试结束前一定把结果交还熔断凭证：超时与传输错误计为失败，调用方取消不计入。
package forwarder

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/breaker"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/otel"
	"github.com/restbank/gateway/pkg/pool/bytebuff"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/route"
	"github.com/restbank/gateway/pkg/security"
	"golang.org/x/sync/semaphore"
)

// 尝试结果标签
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// ErrStreamAborted 响应头已写出后转发响应体失败
var ErrStreamAborted = errors.New("response stream aborted")

// BodySource 为每次尝试提供请求体；返回 nil 表示无请求体
type BodySource func() io.ReadCloser

// Outbound 一次转发尝试的输入
type Outbound struct {
	Instance registry.Instance
	Route    *route.Route
	Method   string
	// Path 改写后的下游路径（转义形式）
	Path     string
	RawQuery string
	// Header 入站请求头，转发时复制，不会被修改
	Header        http.Header
	Host          string
	Proto         string
	ClientIP      string
	Auth          *security.AuthContext
	Body          BodySource
	ContentLength int64
}

// AttemptObserver 每次尝试结束后回调
type AttemptObserver func(inst registry.Instance, outcome string)

// Forwarder 下游转发器
type Forwarder struct {
	cfg       *Config
	client    *http.Client
	transport *http.Transport
	clock     clockwork.Clock
	logger    logger.Logger
	pool      *bytebuff.Pool
	observe   AttemptObserver

	// 实例地址 -> 并发名额
	limits sync.Map
}

// Option 转发器选项
type Option func(*Forwarder)

// WithClock 注入时钟
func WithClock(c clockwork.Clock) Option {
	return func(f *Forwarder) { f.clock = c }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithPool 设置响应复制使用的缓冲池
func WithPool(p *bytebuff.Pool) Option {
	return func(f *Forwarder) { f.pool = p }
}

// WithAttemptObserver 设置尝试结果回调
func WithAttemptObserver(fn AttemptObserver) Option {
	return func(f *Forwarder) { f.observe = fn }
}

// New 创建转发器
func New(cfg *Config, opts ...Option) (*Forwarder, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge forwarder config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	tlsCfg, err := security.NewClientTLSConfig(&newCfg.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "client tls")
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   newCfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsCfg,
		MaxConnsPerHost:     newCfg.MaxConnsPerInstance,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: newCfg.MaxIdleConnsPerInstance,
		IdleConnTimeout:     newCfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	f := &Forwarder{
		cfg:       newCfg,
		transport: transport,
		clock:     clockwork.NewRealClock(),
		logger:    logger.NewNoop(),
		pool:      bytebuff.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("forwarder")
	f.client = &http.Client{
		Transport: transport,
		// 重定向原样交给调用方
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f, nil
}

// Config 当前配置
func (f *Forwarder) Config() *Config {
	return f.cfg
}

func (f *Forwarder) limiter(addr string) *semaphore.Weighted {
	if v, ok := f.limits.Load(addr); ok {
		return v.(*semaphore.Weighted)
	}
	v, _ := f.limits.LoadOrStore(addr, semaphore.NewWeighted(int64(f.cfg.MaxConnsPerInstance)))
	return v.(*semaphore.Weighted)
}

// Retain 只保留 keep 返回 true 的实例名额，返回移除数量
func (f *Forwarder) Retain(keep func(addr string) bool) int {
	removed := 0
	f.limits.Range(func(k, _ any) bool {
		if addr := k.(string); !keep(addr) {
			f.limits.Delete(addr)
			removed++
		}
		return true
	})
	return removed
}

// Close 关闭空闲连接
func (f *Forwarder) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

// Forward 执行一次尝试
// 收到响应头之前的失败不会写入 w，返回带 errcode 类别的错误，committed 为 false；
// 响应头写出后 committed 为 true，此后的错误只表示响应体未能完整转发
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, out *Outbound, ticket *breaker.Ticket) (committed bool, err error) {
	addr := out.Instance.Address()
	sem := f.limiter(addr)
	if !sem.TryAcquire(1) {
		ticket.Release()
		f.report(out.Instance, OutcomeRejected)
		return false, errcode.Newf(errcode.NoConnectionAvailable,
			"instance %s reached %d concurrent requests", addr, f.cfg.MaxConnsPerInstance)
	}
	defer sem.Release(1)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := f.newRequest(attemptCtx, out)
	if err != nil {
		ticket.Release()
		return false, errcode.Wrap(err, errcode.Internal, "build downstream request")
	}

	var timedOut atomic.Bool
	timer := f.clock.AfterFunc(f.cfg.AttemptTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	resp, err := f.client.Do(req)
	timer.Stop()
	if err == nil && timedOut.Load() {
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		return false, f.fail(ctx, out, ticket, err, timedOut.Load())
	}
	defer resp.Body.Close()

	outcome := breaker.OutcomeForStatus(resp.StatusCode)
	ticket.Record(outcome)
	if outcome.Failed() {
		f.report(out.Instance, OutcomeFailure)
	} else {
		f.report(out.Instance, OutcomeSuccess)
	}

	copyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := f.pool.Copy(w, resp.Body); err != nil {
		f.logger.WarnContext(ctx, "response stream aborted",
			"instance", addr,
			"status", resp.StatusCode,
			"error", err,
		)
		return true, errors.Mark(errors.Wrapf(err, "stream from %s", addr), ErrStreamAborted)
	}
	return true, nil
}

// fail 以错误结束尝试，并把结果交还熔断凭证
func (f *Forwarder) fail(ctx context.Context, out *Outbound, ticket *breaker.Ticket, cause error, timedOut bool) error {
	addr := out.Instance.Address()
	switch {
	case timedOut:
		ticket.Record(breaker.Timeout)
		f.report(out.Instance, OutcomeTimeout)
		return errcode.Wrapf(cause, errcode.DownstreamTimeout, "instance %s did not respond within %s", addr, f.cfg.AttemptTimeout)

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		ticket.Record(breaker.Timeout)
		f.report(out.Instance, OutcomeTimeout)
		return errcode.Wrapf(cause, errcode.DownstreamTimeout, "request deadline elapsed waiting for %s", addr)

	case ctx.Err() != nil:
		ticket.Release()
		f.report(out.Instance, OutcomeCancelled)
		return errcode.Wrapf(cause, errcode.RequestCancelled, "caller went away waiting for %s", addr)

	case isTimeout(cause):
		ticket.Record(breaker.Timeout)
		f.report(out.Instance, OutcomeTimeout)
		return errcode.Wrapf(cause, errcode.DownstreamTimeout, "instance %s timed out", addr)

	default:
		ticket.Record(breaker.Failure)
		f.report(out.Instance, OutcomeError)
		return errcode.Wrapf(cause, errcode.DownstreamError, "instance %s", addr)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (f *Forwarder) report(inst registry.Instance, outcome string) {
	if f.observe != nil {
		f.observe(inst, outcome)
	}
}

func (f *Forwarder) scheme(inst registry.Instance) string {
	if s := inst.Metadata["scheme"]; s == "http" || s == "https" {
		return s
	}
	return f.cfg.Scheme
}

// newRequest 构建下游请求
func (f *Forwarder) newRequest(ctx context.Context, out *Outbound) (*http.Request, error) {
	u := &url.URL{
		Scheme:   f.scheme(out.Instance),
		Host:     out.Instance.Address(),
		Path:     out.Path,
		RawQuery: out.RawQuery,
	}
	// out.Path 为转义形式，保留调用方的编码
	if decoded, err := url.PathUnescape(out.Path); err == nil && decoded != out.Path {
		u.Path = decoded
		u.RawPath = out.Path
	}

	var body io.ReadCloser
	if out.Body != nil {
		body = out.Body()
	}
	req, err := http.NewRequestWithContext(ctx, out.Method, u.String(), body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}
	if body != nil {
		req.ContentLength = out.ContentLength
	} else {
		req.Body = http.NoBody
		req.ContentLength = 0
	}

	h := out.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	removeInternalHeaders(h)
	if out.Route == nil || !out.Route.TokenRelay {
		h.Del("Authorization")
	}
	injectIdentity(h, out.Auth)

	if id := logger.CorrelationID(ctx); id != "" {
		h.Set(HeaderCorrelationID, id)
	}
	appendForwardedFor(h, out.ClientIP)
	if out.Host != "" {
		h.Set("X-Forwarded-Host", out.Host)
	}
	if out.Proto != "" {
		h.Set("X-Forwarded-Proto", out.Proto)
	}
	if out.Route != nil {
		for name, value := range out.Route.AddRequestHeaders {
			h.Set(name, value)
		}
	}
	otel.InjectHTTP(ctx, h)
	if _, ok := h["User-Agent"]; !ok {
		// 阻止 net/http 填充默认 UA
		h.Set("User-Agent", "")
	}
	req.Header = h
	return req, nil
}
