package route

import (
	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/errcode"
)

var (
	// ErrNoRouteMatch 没有匹配的路由
	ErrNoRouteMatch = errcode.ErrNoRouteMatch

	// ErrInvalidRoute 路由声明无效
	ErrInvalidRoute = errors.New("route: invalid route")
)
