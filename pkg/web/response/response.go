// Package response 网关统一响应体
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
)

// Source 错误响应中的来源标识
const Source = "api-gateway"

// ErrorBody 错误响应
type ErrorBody struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Response 管理接口的成功响应
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// errorKey 在 gin.Context 中记录最终错误，供日志与指标中间件读取
const errorKey = "gateway.error"

// NewErrorBody 由错误类别生成响应体，内部细节不进入 message
func NewErrorBody(k errcode.Kind, traceID string) ErrorBody {
	return ErrorBody{
		Source:  Source,
		Code:    k.Code(),
		Message: k.Message(),
		TraceID: traceID,
	}
}

// Success 成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    "ok",
		Message: "ok",
		Data:    data,
		TraceID: logger.CorrelationID(c.Request.Context()),
	})
}

// AbortWithError 按错误类别中断并写出错误响应
func AbortWithError(c *gin.Context, err error) {
	AbortWithMessage(c, err, "")
}

// AbortWithMessage 同 AbortWithError，message 非空时替换默认提示
func AbortWithMessage(c *gin.Context, err error, message string) {
	k := errcode.KindOf(err)
	body := NewErrorBody(k, logger.CorrelationID(c.Request.Context()))
	if message != "" {
		body.Message = message
	}
	c.Set(errorKey, err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(k.Status(), body)
}

// ErrorFrom 读取 AbortWithError 记录的错误
func ErrorFrom(c *gin.Context) error {
	v, ok := c.Get(errorKey)
	if !ok {
		return nil
	}
	err, _ := v.(error)
	return err
}
