package forwarder

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/restbank/gateway/pkg/breaker"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/route"
	"github.com/restbank/gateway/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instanceOf(t *testing.T, srv *httptest.Server) registry.Instance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return registry.Instance{Service: "card-service", Host: host, Port: p}
}

func compile(t *testing.T, s route.Spec) *route.Route {
	t.Helper()
	if s.Service == "" {
		s.Service = "card-service"
	}
	if s.Path == "" {
		s.Path = "/cards/**"
	}
	r, err := route.Compile(0, s)
	require.NoError(t, err)
	return r
}

func newBreaker(t *testing.T) *breaker.Breaker {
	t.Helper()
	b, err := breaker.New("card-service", nil)
	require.NoError(t, err)
	return b
}

func ticket(t *testing.T, b *breaker.Breaker) *breaker.Ticket {
	t.Helper()
	tk, err := b.Allow()
	require.NoError(t, err)
	return tk
}

type outcomes struct {
	mu   sync.Mutex
	list []string
}

func (o *outcomes) observe(_ registry.Instance, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, outcome)
}

func (o *outcomes) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.list...)
}

func newForwarder(t *testing.T, cfg *Config) (*Forwarder, *outcomes) {
	t.Helper()
	obs := &outcomes{}
	f, err := New(cfg, WithAttemptObserver(obs.observe))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, obs
}

func TestForwardRewritesHeadersAndStreamsResponse(t *testing.T) {
	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Header().Set("X-Custom", "1")
		w.Header().Set(HeaderAuthSubject, "leak")
		w.Header().Set(HeaderCorrelationID, "downstream")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer backend.Close()

	f, obs := newForwarder(t, nil)
	b := newBreaker(t)

	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer abc")
	inbound.Set(HeaderAuthSubject, "mallory")
	inbound.Set("Connection", "keep-alive, X-Drop")
	inbound.Set("X-Drop", "1")
	inbound.Set("Accept", "application/json")

	ctx := logger.WithCorrelationID(context.Background(), "corr-1")
	rec := httptest.NewRecorder()
	committed, err := f.Forward(ctx, rec, &Outbound{
		Instance: instanceOf(t, backend),
		Route: compile(t, route.Spec{
			AddRequestHeaders: map[string]string{"X-Service-Call": "gateway"},
		}),
		Method:        http.MethodPost,
		Path:          "/123",
		RawQuery:      "a=1",
		Header:        inbound,
		Host:          "api.restbank.io",
		Proto:         "https",
		ClientIP:      "10.0.0.1",
		Auth:          &security.AuthContext{Subject: "alice", Scopes: []string{"cards:read", "cards:write"}},
		Body:          func() io.ReadCloser { return io.NopCloser(strings.NewReader("payload")) },
		ContentLength: 7,
	}, ticket(t, b))
	require.NoError(t, err)
	assert.True(t, committed)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Custom"))
	assert.Empty(t, rec.Header().Get(HeaderAuthSubject))
	assert.Empty(t, rec.Header().Get(HeaderCorrelationID))

	require.NotNil(t, got)
	assert.Equal(t, "/123", got.URL.Path)
	assert.Equal(t, "a=1", got.URL.RawQuery)
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, "alice", got.Header.Get(HeaderAuthSubject))
	assert.Equal(t, "cards:read cards:write", got.Header.Get(HeaderAuthScopes))
	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("X-Drop"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "corr-1", got.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "gateway", got.Header.Get("X-Service-Call"))
	assert.Equal(t, "10.0.0.1", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "api.restbank.io", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", got.Header.Get("X-Forwarded-Proto"))

	assert.Equal(t, 1, b.Snapshot().Counts.Successes)
	assert.Equal(t, []string{OutcomeSuccess}, obs.all())
}

func TestTokenRelay(t *testing.T) {
	var auth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer backend.Close()

	f, _ := newForwarder(t, nil)
	h := http.Header{}
	h.Set("Authorization", "Bearer abc")
	_, err := f.Forward(context.Background(), httptest.NewRecorder(), &Outbound{
		Instance: instanceOf(t, backend),
		Route:    compile(t, route.Spec{TokenRelay: true}),
		Method:   http.MethodGet,
		Path:     "/",
		Header:   h,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", auth)
}

func TestServerErrorProxiedAndCountedAsFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	f, obs := newForwarder(t, nil)
	b := newBreaker(t)
	rec := httptest.NewRecorder()
	committed, err := f.Forward(context.Background(), rec, &Outbound{
		Instance: instanceOf(t, backend),
		Method:   http.MethodGet,
		Path:     "/",
	}, ticket(t, b))
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "boom\n", rec.Body.String())
	assert.Equal(t, 1, b.Snapshot().Counts.Failures)
	assert.Equal(t, []string{OutcomeFailure}, obs.all())
}

func TestAttemptTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	f, obs := newForwarder(t, &Config{AttemptTimeout: 50 * time.Millisecond})
	b := newBreaker(t)
	rec := httptest.NewRecorder()
	committed, err := f.Forward(context.Background(), rec, &Outbound{
		Instance: instanceOf(t, backend),
		Method:   http.MethodGet,
		Path:     "/slow",
	}, ticket(t, b))
	require.Error(t, err)
	assert.False(t, committed)
	assert.Equal(t, errcode.DownstreamTimeout, errcode.KindOf(err))
	assert.Zero(t, rec.Body.Len())
	assert.False(t, rec.Flushed)
	assert.Equal(t, 1, b.Snapshot().Counts.Timeouts)
	assert.Equal(t, []string{OutcomeTimeout}, obs.all())
}

func TestCallerCancelReleasesTicket(t *testing.T) {
	hit := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(hit)
		<-r.Context().Done()
	}))
	defer backend.Close()

	f, obs := newForwarder(t, nil)
	b := newBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-hit
		cancel()
	}()

	_, err := f.Forward(ctx, httptest.NewRecorder(), &Outbound{
		Instance: instanceOf(t, backend),
		Method:   http.MethodGet,
		Path:     "/",
	}, ticket(t, b))
	require.Error(t, err)
	assert.Equal(t, errcode.RequestCancelled, errcode.KindOf(err))
	assert.Equal(t, 0, b.Snapshot().Counts.Requests)
	assert.Equal(t, []string{OutcomeCancelled}, obs.all())
}

func TestConnectionRefused(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	inst := instanceOf(t, backend)
	backend.Close()

	f, _ := newForwarder(t, nil)
	b := newBreaker(t)
	_, err := f.Forward(context.Background(), httptest.NewRecorder(), &Outbound{
		Instance: inst,
		Method:   http.MethodGet,
		Path:     "/",
	}, ticket(t, b))
	require.Error(t, err)
	assert.Equal(t, errcode.DownstreamError, errcode.KindOf(err))
	assert.Equal(t, 1, b.Snapshot().Counts.Failures)
}

func TestConnectionLimit(t *testing.T) {
	hit := make(chan struct{})
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(hit)
		<-release
	}))
	defer backend.Close()

	f, obs := newForwarder(t, &Config{MaxConnsPerInstance: 1})
	b := newBreaker(t)
	inst := instanceOf(t, backend)

	done := make(chan error, 1)
	go func() {
		_, err := f.Forward(context.Background(), httptest.NewRecorder(), &Outbound{
			Instance: inst, Method: http.MethodGet, Path: "/",
		}, nil)
		done <- err
	}()
	<-hit

	_, err := f.Forward(context.Background(), httptest.NewRecorder(), &Outbound{
		Instance: inst, Method: http.MethodGet, Path: "/",
	}, ticket(t, b))
	require.Error(t, err)
	assert.Equal(t, errcode.NoConnectionAvailable, errcode.KindOf(err))
	assert.Equal(t, 0, b.Snapshot().Counts.Requests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{OutcomeRejected, OutcomeSuccess}, obs.all())

	assert.Equal(t, 1, f.Retain(func(string) bool { return false }))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempt timeout", func(c *Config) { c.AttemptTimeout = 0 }},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }},
		{"no connections", func(c *Config) { c.MaxConnsPerInstance = 0 }},
		{"negative replay", func(c *Config) { c.MaxReplayBody = -1 }},
		{"bad scheme", func(c *Config) { c.Scheme = "ftp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
