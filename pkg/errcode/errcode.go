// Package errcode 网关错误分类
//
// 每一种失败都对应一个哨兵错误，
// 通过 cockroachdb/errors 的 Mark 机制在任意层级包装后仍可识别。
// 每个 Kind 对应唯一的 HTTP 状态码和稳定的机器可读错误码。
package errcode

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind 错误类别
type Kind int

const (
	// Unknown 未归类的错误
	Unknown Kind = iota
	NoRouteMatch
	TokenMissing
	TokenMalformed
	TokenExpired
	TokenUntrusted
	TokenAudienceMismatch
	InsufficientScope
	NoHealthyInstance
	CircuitOpen
	NoConnectionAvailable
	DownstreamTimeout
	DownstreamError
	RequestCancelled
	RateLimited
	Internal
)

// StatusClientClosedRequest 客户端主动断开（nginx 约定）
const StatusClientClosedRequest = 499

// 哨兵错误
// 类别以 errors.Mark 附加，标准库 errors.Is 无法识别，需使用 cockroachdb/errors.Is 或 Is/KindOf
var (
	ErrNoRouteMatch          = errors.New("no route match")
	ErrTokenMissing          = errors.New("token missing")
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenUntrusted        = errors.New("token untrusted")
	ErrTokenAudienceMismatch = errors.New("token audience mismatch")
	ErrInsufficientScope     = errors.New("insufficient scope")
	ErrNoHealthyInstance     = errors.New("no healthy instance")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrNoConnectionAvailable = errors.New("no connection available")
	ErrDownstreamTimeout     = errors.New("downstream timeout")
	ErrDownstreamError       = errors.New("downstream error")
	ErrRequestCancelled      = errors.New("request cancelled")
	ErrRateLimited           = errors.New("rate limited")
	ErrInternal              = errors.New("internal error")
)

type descriptor struct {
	kind    Kind
	sentry  error
	status  int
	code    string
	message string
}

// 顺序即 KindOf 的匹配优先级
var descriptors = []descriptor{
	{NoRouteMatch, ErrNoRouteMatch, http.StatusNotFound, "no_route_match", "No route matches the request."},
	{TokenMissing, ErrTokenMissing, http.StatusUnauthorized, "token_missing", "Bearer token is required."},
	{TokenMalformed, ErrTokenMalformed, http.StatusUnauthorized, "token_malformed", "Bearer token is malformed."},
	{TokenExpired, ErrTokenExpired, http.StatusUnauthorized, "token_expired", "Bearer token is expired or not yet valid."},
	{TokenUntrusted, ErrTokenUntrusted, http.StatusUnauthorized, "token_untrusted", "Bearer token is not trusted."},
	{TokenAudienceMismatch, ErrTokenAudienceMismatch, http.StatusUnauthorized, "token_audience_mismatch", "Bearer token audience is not accepted."},
	{InsufficientScope, ErrInsufficientScope, http.StatusForbidden, "insufficient_scope", "Token lacks the permissions required by this route."},
	{NoHealthyInstance, ErrNoHealthyInstance, http.StatusServiceUnavailable, "no_healthy_instance", "Service temporarily unavailable. Please try again later."},
	{CircuitOpen, ErrCircuitOpen, http.StatusServiceUnavailable, "circuit_open", "Service temporarily unavailable. Please try again later."},
	{NoConnectionAvailable, ErrNoConnectionAvailable, http.StatusServiceUnavailable, "no_connection_available", "Service temporarily unavailable. Please try again later."},
	{DownstreamTimeout, ErrDownstreamTimeout, http.StatusGatewayTimeout, "downstream_timeout", "Upstream service did not respond in time."},
	{DownstreamError, ErrDownstreamError, http.StatusBadGateway, "downstream_error", "Upstream service failed."},
	{RequestCancelled, ErrRequestCancelled, StatusClientClosedRequest, "request_cancelled", "Request was cancelled."},
	{RateLimited, ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "Too many requests."},
	{Internal, ErrInternal, http.StatusInternalServerError, "internal_error", "Internal gateway error."},
}

var unknownDescriptor = descriptor{Unknown, nil, http.StatusInternalServerError, "internal_error", "Internal gateway error."}

func lookup(k Kind) descriptor {
	for _, d := range descriptors {
		if d.kind == k {
			return d
		}
	}
	return unknownDescriptor
}

// String 返回错误码
func (k Kind) String() string {
	if k == Unknown {
		return "unknown"
	}
	return lookup(k).code
}

// Status 对应的 HTTP 状态码
func (k Kind) Status() int {
	return lookup(k).status
}

// Code 稳定的机器可读错误码
func (k Kind) Code() string {
	return lookup(k).code
}

// Message 可对外暴露的提示信息
func (k Kind) Message() string {
	return lookup(k).message
}

// Sentinel 返回该类别的哨兵错误
func (k Kind) Sentinel() error {
	if d := lookup(k); d.sentry != nil {
		return d.sentry
	}
	return ErrInternal
}

// KindOf 识别错误类别，未识别返回 Unknown
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	for _, d := range descriptors {
		if errors.Is(err, d.sentry) {
			return d.kind
		}
	}
	return Unknown
}

// Is 判断 err 是否属于 k
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// New 创建带类别标记的错误
func New(k Kind, msg string) error {
	return errors.Mark(errors.NewWithDepth(1, msg), k.Sentinel())
}

// Newf 创建带类别标记的格式化错误
func Newf(k Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), k.Sentinel())
}

// Wrap 包装底层错误并打上类别标记
// cause 为 nil 时等价于 New
func Wrap(cause error, k Kind, msg string) error {
	if cause == nil {
		return errors.Mark(errors.NewWithDepth(1, msg), k.Sentinel())
	}
	return errors.Mark(errors.WrapWithDepth(1, cause, msg), k.Sentinel())
}

// Wrapf 包装底层错误并打上类别标记（格式化）
func Wrapf(cause error, k Kind, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Mark(errors.NewWithDepthf(1, format, args...), k.Sentinel())
	}
	return errors.Mark(errors.WrapWithDepthf(1, cause, format, args...), k.Sentinel())
}
