package middleware

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/web/response"
)

// PanicReporter panic 上报（sentry.Client 实现）
type PanicReporter interface {
	CapturePanic(recovered any, tags map[string]string) string
}

// Recovery 恢复 panic：记录日志、上报，并以 Internal 错误响应
func Recovery(l logger.Logger, reporter PanicReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// 响应已部分写出后转发中断，交给 net/http 断开连接
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			dump, _ := httputil.DumpRequest(c.Request, false)
			ctx := c.Request.Context()
			if isBrokenPipe(rec) {
				l.WarnContext(ctx, "http broken pipe", "error", rec, "request", string(dump))
				c.Abort()
				return
			}

			l.ErrorContext(ctx, "http recovery from panic",
				"error", rec,
				"request", string(dump),
				"stack", string(debug.Stack()),
			)
			if reporter != nil {
				reporter.CapturePanic(rec, map[string]string{
					"route":          c.GetString(RouteKey),
					"correlation_id": logger.CorrelationID(ctx),
				})
			}

			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.AbortWithError(c, errcode.Newf(errcode.Internal, "panic: %v", rec))
		}()
		c.Next()
	}
}

func isBrokenPipe(rec any) bool {
	ne, ok := rec.(*net.OpError)
	if !ok {
		return false
	}
	se, ok := ne.Err.(*os.SyscallError)
	if !ok {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
