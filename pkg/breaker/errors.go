package breaker

import (
	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/errcode"
)

var (
	// ErrCircuitOpen 熔断器拒绝请求
	ErrCircuitOpen = errcode.ErrCircuitOpen

	// ErrInvalidSettings 熔断阈值无效
	ErrInvalidSettings = errors.New("breaker: invalid settings")

	// ErrBreakerNotFound 指定 key 的熔断器不存在
	ErrBreakerNotFound = errors.New("breaker: not found")
)
