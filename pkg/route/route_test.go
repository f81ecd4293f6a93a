package route

import (
	"net/http"
	"sync"
	"testing"

	"github.com/restbank/gateway/pkg/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bankingRoutes() []Spec {
	return []Spec{
		{ID: "auth", Path: "/auth/**", Service: "auth-service", Rewrite: "/api/v1/auth", Public: true},
		{ID: "customers", Path: "/customers/**", Service: "customer-service", Rewrite: "/api/v1/customers", TokenRelay: true},
		{ID: "card-docs", Path: "/cards/v3/api-docs", Service: "card-service", Rewrite: "/v3/api-docs"},
		{ID: "cards", Methods: []string{"GET"}, Path: "/cards/**", Service: "card-service", Rewrite: "/**", Scopes: []string{"cards:read"}},
		{ID: "cards-write", Methods: []string{"post", "PUT"}, Path: "/cards/**", Service: "card-service-write"},
		{ID: "cards-admin", Path: "/cards/admin/**", Service: "card-admin"},
		{ID: "catch-all-first", Path: "/**", Service: "edge-a"},
		{ID: "catch-all-second", Path: "/**", Service: "edge-b"},
	}
}

func TestResolve(t *testing.T) {
	r, err := NewResolver(bankingRoutes())
	require.NoError(t, err)

	tests := []struct {
		name    string
		method  string
		path    string
		routeID string
		want    string
	}{
		{"strip prefix to root", http.MethodGet, "/cards/123", "cards", "/123"},
		{"prefix itself", http.MethodGet, "/cards", "cards", "/"},
		{"rewrite with target prefix", http.MethodPost, "/auth/login", "auth", "/api/v1/auth/login"},
		{"nested rewrite", http.MethodGet, "/customers/42/accounts", "customers", "/api/v1/customers/42/accounts"},
		{"exact beats prefix", http.MethodGet, "/cards/v3/api-docs", "card-docs", "/v3/api-docs"},
		{"longest prefix wins", http.MethodGet, "/cards/admin/limits", "cards-admin", "/cards/admin/limits"},
		{"method filter selects route", http.MethodPost, "/cards/9", "cards-write", "/cards/9"},
		{"method is case-insensitive", "put", "/cards/9", "cards-write", "/cards/9"},
		{"segment boundary respected", http.MethodGet, "/cardsx/1", "catch-all-first", "/cardsx/1"},
		{"tie broken by declaration order", http.MethodGet, "/statements", "catch-all-first", "/statements"},
		{"dot segments cleaned", http.MethodGet, "/cards/../auth/x", "auth", "/api/v1/auth/x"},
		{"trailing slash kept", http.MethodGet, "/customers/42/", "customers", "/api/v1/customers/42/"},
		{"encoded slash kept", http.MethodGet, "/cards/a%2Fb", "cards", "/a%2Fb"},
		{"escape case normalized", http.MethodGet, "/cards/a%2fb", "cards", "/a%2Fb"},
		{"encoded dot segments cleaned", http.MethodGet, "/cards/%2e%2E/auth/x", "auth", "/api/v1/auth/x"},
		{"encoded unreserved decoded", http.MethodGet, "/cards/%7Ealice", "cards", "/~alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.Resolve(tt.method, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.routeID, m.Route.ID)
			assert.Equal(t, tt.want, m.Path)
		})
	}
}

func TestResolveNoMatch(t *testing.T) {
	r, err := NewResolver([]Spec{
		{Path: "/cards/**", Methods: []string{"GET"}, Service: "card-service"},
		{Path: "/healthcheck", Service: "self"},
	})
	require.NoError(t, err)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/accounts/1"},
		{http.MethodDelete, "/cards/1"},
		{http.MethodGet, "/healthcheck/deep"},
	} {
		_, err := r.Resolve(tc.method, tc.path)
		assert.ErrorIs(t, err, ErrNoRouteMatch)
		assert.Equal(t, errcode.NoRouteMatch, errcode.KindOf(err))
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		spec []Spec
	}{
		{"relative path", []Spec{{Path: "cards/**", Service: "s"}}},
		{"missing service", []Spec{{Path: "/cards/**"}}},
		{"inner wildcard", []Spec{{Path: "/cards/*/x", Service: "s"}}},
		{"relative rewrite", []Spec{{Path: "/a/**", Service: "s", Rewrite: "api"}}},
		{"duplicate id", []Spec{{ID: "x", Path: "/a", Service: "s"}, {ID: "x", Path: "/b", Service: "s"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.spec)
			assert.ErrorIs(t, err, ErrInvalidRoute)
		})
	}
}

func TestIdempotent(t *testing.T) {
	yes, no := true, false
	plain, err := Compile(0, Spec{Path: "/a/**", Service: "s"})
	require.NoError(t, err)
	forcedOn, err := Compile(1, Spec{Path: "/b/**", Service: "s", Idempotent: &yes})
	require.NoError(t, err)
	forcedOff, err := Compile(2, Spec{Path: "/c/**", Service: "s", Idempotent: &no})
	require.NoError(t, err)

	assert.True(t, plain.IsIdempotent(http.MethodGet))
	assert.True(t, plain.IsIdempotent(http.MethodPut))
	assert.True(t, plain.IsIdempotent(http.MethodDelete))
	assert.False(t, plain.IsIdempotent(http.MethodPost))
	assert.False(t, plain.IsIdempotent(http.MethodPatch))
	assert.True(t, forcedOn.IsIdempotent(http.MethodPost))
	assert.False(t, forcedOff.IsIdempotent(http.MethodGet))
}

func TestReplaceIsAtomic(t *testing.T) {
	r, err := NewResolver([]Spec{{Path: "/v1/**", Service: "old"}})
	require.NoError(t, err)

	// 非法表不会替换旧表
	assert.Error(t, r.Replace([]Spec{{Path: "bad"}}))
	m, err := r.Resolve(http.MethodGet, "/v1/x")
	require.NoError(t, err)
	assert.Equal(t, "old", m.Route.Service)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			m, err := r.Resolve(http.MethodGet, "/v1/x")
			if assert.NoError(t, err) {
				assert.Contains(t, []string{"old", "new"}, m.Route.Service)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		svc := "old"
		if i%2 == 0 {
			svc = "new"
		}
		require.NoError(t, r.Replace([]Spec{{Path: "/v1/**", Service: svc}}))
	}
	close(stop)
	wg.Wait()
}
