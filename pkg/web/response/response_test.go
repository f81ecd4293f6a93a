package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h gin.HandlerFunc) (*httptest.ResponseRecorder, ErrorBody) {
	t.Helper()
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithCorrelationID(c.Request.Context(), "corr-1"))
		h(c)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestAbortWithErrorHidesCause(t *testing.T) {
	var recorded error
	rec, body := serve(t, func(c *gin.Context) {
		AbortWithError(c, errcode.Wrap(assert.AnError, errcode.DownstreamTimeout, "10.0.0.7:8080 attempt 2"))
		recorded = ErrorFrom(c)
	})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, ErrorBody{
		Source:  "api-gateway",
		Code:    "downstream_timeout",
		Message: errcode.DownstreamTimeout.Message(),
		TraceID: "corr-1",
	}, body)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
	assert.True(t, errcode.Is(recorded, errcode.DownstreamTimeout))
}

func TestAbortWithMessage(t *testing.T) {
	rec, body := serve(t, func(c *gin.Context) {
		AbortWithMessage(c, errcode.New(errcode.CircuitOpen, "card-service"), "Cards are resting.")
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "circuit_open", body.Code)
	assert.Equal(t, "Cards are resting.", body.Message)
}

func TestUnknownErrorIsInternal(t *testing.T) {
	rec, body := serve(t, func(c *gin.Context) {
		AbortWithError(c, assert.AnError)
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", body.Code)
}
