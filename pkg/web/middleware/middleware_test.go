package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/web/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(r http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCorrelationID(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationID())
	var seen, inbound string
	r.GET("/x", func(c *gin.Context) {
		seen = logger.CorrelationID(c.Request.Context())
		inbound = c.Request.Header.Get(HeaderCorrelationID)
	})

	rec := do(r, "/x", http.Header{HeaderCorrelationID: {"abc-123"}})
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderCorrelationID))
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", inbound)

	rec = do(r, "/x", nil)
	generated := rec.Header().Get(HeaderCorrelationID)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, seen)

	rec = do(r, "/x", http.Header{HeaderCorrelationID: {"has space"}})
	assert.NotEqual(t, "has space", rec.Header().Get(HeaderCorrelationID))
	rec = do(r, "/x", http.Header{HeaderCorrelationID: {strings.Repeat("a", 200)}})
	assert.Len(t, rec.Header().Get(HeaderCorrelationID), 36)
}

type fakeReporter struct {
	recovered []any
	tags      map[string]string
}

func (f *fakeReporter) CapturePanic(rec any, tags map[string]string) string {
	f.recovered = append(f.recovered, rec)
	f.tags = tags
	return "evt"
}

func TestRecovery(t *testing.T) {
	rep := &fakeReporter{}
	r := gin.New()
	r.Use(CorrelationID(), Logger(logger.NewNoop()), Recovery(logger.NewNoop(), rep))
	r.GET("/boom", func(c *gin.Context) {
		c.Set(RouteKey, "cards")
		panic("nil map")
	})

	rec := do(r, "/boom", http.Header{HeaderCorrelationID: {"c-1"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
	assert.Equal(t, "c-1", body.TraceID)
	assert.NotContains(t, rec.Body.String(), "nil map")

	require.Len(t, rep.recovered, 1)
	assert.Equal(t, "cards", rep.tags["route"])
	assert.Equal(t, "c-1", rep.tags["correlation_id"])
}

func TestRecoveryRepanicsAbortHandler(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.NewNoop(), nil))
	r.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		do(r, "/abort", nil)
	})
}

func TestMetricsUsesRouteLabel(t *testing.T) {
	type obs struct {
		route  string
		status int
	}
	var got []obs
	r := gin.New()
	r.Use(Metrics(func(route, method string, status int, _ time.Duration) {
		got = append(got, obs{route, status})
	}))
	r.GET("/cards/:id", func(c *gin.Context) {
		c.Set(RouteKey, "cards")
		c.Status(http.StatusTeapot)
	})
	r.NoRoute(func(c *gin.Context) { c.Status(http.StatusNotFound) })

	do(r, "/cards/1", nil)
	do(r, "/nowhere", nil)
	assert.Equal(t, []obs{{"cards", http.StatusTeapot}, {"unmatched", http.StatusNotFound}}, got)
}

func TestTracingKeepsRequestFlowing(t *testing.T) {
	r := gin.New()
	r.Use(Tracing(noop.NewTracerProvider().Tracer("test")))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, do(r, "/x", nil).Code)
}

func TestRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl, err := NewRateLimiter(&RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             2,
		PerIP:             true,
		SkipPaths:         []string{"/healthcheck"},
		MaxLimiters:       10,
		LimiterTTL:        time.Minute,
	}, logger.NewNoop(), WithRateLimitClock(clock))
	require.NoError(t, err)
	defer rl.Close()

	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/cards", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/healthcheck", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, "/cards", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, "/cards", nil).Code)

	rec := do(r, "/cards", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":"rate_limited"`)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(r, "/healthcheck", nil).Code)
	}

	clock.Advance(time.Second)
	assert.Equal(t, http.StatusOK, do(r, "/cards", nil).Code)
}

func TestRateLimitConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRateLimitConfig().Validate())
	assert.ErrorIs(t, (&RateLimitConfig{Enabled: true, Burst: 1}).Validate(), ErrInvalidRateLimit)
	assert.ErrorIs(t, (&RateLimitConfig{Enabled: true, RequestsPerSecond: 1}).Validate(), ErrInvalidRateLimit)
}
