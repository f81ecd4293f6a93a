package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/web/response"
)

// Logger 访问日志，4xx/5xx 记为 warn
func Logger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		route := c.GetString(RouteKey)
		if route == "" {
			route = routeLabel
		}
		fields := []interface{}{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"route", route,
			"ip", c.ClientIP(),
			"latency", time.Since(start).String(),
			"user_agent", c.Request.UserAgent(),
		}
		if err := response.ErrorFrom(c); err != nil {
			fields = append(fields, "code", errcode.KindOf(err).Code(), "error", err.Error())
		}

		ctx := c.Request.Context()
		if status >= 400 {
			l.WarnContext(ctx, "http request", fields...)
		} else {
			l.InfoContext(ctx, "http request", fields...)
		}
	}
}
