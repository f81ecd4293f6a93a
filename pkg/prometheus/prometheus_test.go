package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(&Config{Namespace: "gw_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"empty namespace", &Config{}, true},
		{"server without addr", &Config{Namespace: "x", HTTPServer: HTTPServerConfig{Enabled: true}}, true},
		{"server disabled", &Config{Namespace: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCounterAndDuplicate(t *testing.T) {
	c := newTestClient(t)

	counter, err := c.NewCounter("requests_total", "requests", []string{"route", "code"})
	require.NoError(t, err)
	counter.WithLabelValues("cards", "200").Inc()
	counter.WithLabelValues("cards", "200").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.WithLabelValues("cards", "200")))

	_, err = c.NewCounter("requests_total", "again", nil)
	assert.ErrorIs(t, err, ErrMetricExists)
}

func TestGaugeAndHistogram(t *testing.T) {
	c := newTestClient(t)

	g := c.MustNewGauge("breaker_state", "state", []string{"key"})
	g.WithLabelValues("card-service").Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(g.WithLabelValues("card-service")))

	h := c.MustNewHistogram("request_duration_seconds", "latency", []string{"route"}, nil)
	h.WithLabelValues("cards").Observe(0.1)
	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestHandlerExposesNamespace(t *testing.T) {
	c := newTestClient(t)
	c.MustNewCounter("retries_total", "retries", []string{"service"}).WithLabelValues("card-service").Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gw_test_retries_total{service="card-service"} 1`))
}

func TestClosed(t *testing.T) {
	c, err := New(&Config{Namespace: "gw_closed"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClientClosed)

	_, err = c.NewGauge("late", "late", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
