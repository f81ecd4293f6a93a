package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/restbank/gateway/pkg/logger"
)

const maxCorrelationIDLen = 128

// CorrelationID 沿用调用方的 X-Correlation-ID，缺失或不合法时生成新的 UUID
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}
		c.Request.Header.Set(HeaderCorrelationID, id)
		c.Request = c.Request.WithContext(logger.WithCorrelationID(c.Request.Context(), id))
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		if ch < 0x21 || ch > 0x7e {
			return false
		}
	}
	return true
}
