package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RequestObserver 记录一次请求的结果
type RequestObserver func(route, method string, status int, elapsed time.Duration)

// Metrics 以命中路由 ID 为标签回调 observer，避免用原始路径造成标签爆炸
func Metrics(observe RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.GetString(RouteKey)
		if route == "" {
			route = routeLabel
		}
		observe(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
