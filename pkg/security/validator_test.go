package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce              sync.Once
	primaryKey, rogueKey *rsa.PrivateKey
	rotatedKey           *rsa.PrivateKey
)

func testKeys(t *testing.T) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		primaryKey, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		rogueKey, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		rotatedKey, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
	})
}

func rsaJWK(kid string, k *rsa.PublicKey) jwk {
	return jwk{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(k.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
	}
}

// idp 模拟身份提供方：发现文档 + JWKS
type idp struct {
	srv  *httptest.Server
	hits atomic.Int32
	mu   sync.Mutex
	keys []jwk
	fail atomic.Bool
}

func newIdP(t *testing.T, keys ...jwk) *idp {
	t.Helper()
	p := &idp{keys: keys}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(discoveryDocument{Issuer: p.srv.URL, JWKSURI: p.srv.URL + "/certs"})
	})
	mux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		if p.fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(jwkSet{Keys: p.keys})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *idp) setKeys(keys ...jwk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = keys
}

type tokenSpec struct {
	kid    string
	key    interface{}
	method jwt.SigningMethod
	claims jwt.MapClaims
}

func sign(t *testing.T, s tokenSpec) string {
	t.Helper()
	if s.method == nil {
		s.method = jwt.SigningMethodRS256
	}
	tok := jwt.NewWithClaims(s.method, s.claims)
	if s.kid != "" {
		tok.Header["kid"] = s.kid
	}
	raw, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return raw
}

type fixture struct {
	idp   *idp
	clock *clockwork.FakeClock
	v     *Validator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	testKeys(t)
	p := newIdP(t, rsaJWK("k1", &primaryKey.PublicKey))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := &Config{
		Issuers: []IssuerConfig{{Issuer: p.srv.URL, JWKSURL: p.srv.URL + "/certs", Audiences: []string{"gateway"}}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	v, err := NewValidator(cfg, WithClock(clock), WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	return &fixture{idp: p, clock: clock, v: v}
}

func (f *fixture) claims(extra jwt.MapClaims) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":          f.idp.srv.URL,
		"sub":          "customer-42",
		"aud":          "gateway",
		"exp":          f.clock.Now().Add(time.Hour).Unix(),
		"iat":          f.clock.Now().Unix(),
		"scope":        "openid cards:read",
		"realm_access": map[string]interface{}{"roles": []string{"customer"}},
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

func TestValidateSuccess(t *testing.T) {
	f := newFixture(t, nil)
	raw := sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)})

	auth, err := f.v.ValidateHeader(context.Background(), "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "customer-42", auth.Subject)
	assert.Equal(t, []string{"openid", "cards:read"}, auth.Scopes)
	assert.Equal(t, []string{"customer"}, auth.Roles)
	assert.Equal(t, f.idp.srv.URL, auth.Issuer)
	assert.Equal(t, []string{"gateway"}, auth.Audience)
	assert.Equal(t, f.clock.Now().Add(time.Hour).Unix(), auth.Expiry.Unix())
	assert.Equal(t, raw, auth.Token)

	assert.NoError(t, auth.Require([]string{"cards:read"}, []string{"customer"}))
	err = auth.Require([]string{"cards:write"}, nil)
	assert.Equal(t, errcode.InsufficientScope, errcode.KindOf(err))
	err = auth.Require(nil, []string{"admin"})
	assert.Equal(t, errcode.InsufficientScope, errcode.KindOf(err))

	// 缓存命中，不再拉取
	_, err = f.v.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.idp.hits.Load())
}

func TestValidateErrors(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.Now()

	tests := []struct {
		name   string
		header string
		want   errcode.Kind
	}{
		{"missing header", "", errcode.TokenMissing},
		{"not bearer", "Basic dXNlcjpwYXNz", errcode.TokenMalformed},
		{"empty bearer", "Bearer ", errcode.TokenMalformed},
		{"garbage", "Bearer not-a-jwt", errcode.TokenMalformed},
		{"no exp", "Bearer " + sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: jwt.MapClaims{"iss": f.idp.srv.URL}}), errcode.TokenMalformed},
		{"expired", "Bearer " + sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})}), errcode.TokenExpired},
		{"expired and forged", "Bearer " + sign(t, tokenSpec{kid: "k1", key: rogueKey, claims: f.claims(jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})}), errcode.TokenExpired},
		{"not yet valid", "Bearer " + sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(jwt.MapClaims{"nbf": now.Add(time.Hour).Unix()})}), errcode.TokenExpired},
		{"forged signature", "Bearer " + sign(t, tokenSpec{kid: "k1", key: rogueKey, claims: f.claims(nil)}), errcode.TokenUntrusted},
		{"unknown kid", "Bearer " + sign(t, tokenSpec{kid: "k9", key: rogueKey, claims: f.claims(nil)}), errcode.TokenUntrusted},
		{"unknown issuer", "Bearer " + sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(jwt.MapClaims{"iss": "https://evil.example"})}), errcode.TokenUntrusted},
		{"hmac not allowed", "Bearer " + sign(t, tokenSpec{kid: "k1", key: []byte("secret"), method: jwt.SigningMethodHS256, claims: f.claims(nil)}), errcode.TokenUntrusted},
		{"audience mismatch", "Bearer " + sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(jwt.MapClaims{"aud": "billing"})}), errcode.TokenAudienceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.v.ValidateHeader(context.Background(), tt.header)
			require.Error(t, err)
			assert.Equal(t, tt.want, errcode.KindOf(err), "%+v", err)
		})
	}
}

func TestKeyRotation(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinRefreshInterval = time.Second })
	ctx := context.Background()

	_, err := f.v.Validate(ctx, sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)}))
	require.NoError(t, err)

	f.idp.setKeys(rsaJWK("k1", &primaryKey.PublicKey), rsaJWK("k2", &rotatedKey.PublicKey))
	f.clock.Advance(2 * time.Second)

	// kid 未命中触发刷新
	_, err = f.v.Validate(ctx, sign(t, tokenSpec{kid: "k2", key: rotatedKey, claims: f.claims(nil)}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.idp.hits.Load())

	// 同一 kid 换了密钥：验签失败后刷新
	f.idp.setKeys(rsaJWK("k2", &rogueKey.PublicKey))
	f.clock.Advance(2 * time.Second)
	_, err = f.v.Validate(ctx, sign(t, tokenSpec{kid: "k2", key: rogueKey, claims: f.claims(nil)}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.idp.hits.Load())
}

func TestRefreshThrottled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinRefreshInterval = time.Minute })
	ctx := context.Background()

	_, err := f.v.Validate(ctx, sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)}))
	require.NoError(t, err)

	unknown := sign(t, tokenSpec{kid: "k7", key: rogueKey, claims: f.claims(nil)})
	for i := 0; i < 5; i++ {
		_, err := f.v.Validate(ctx, unknown)
		assert.Equal(t, errcode.TokenUntrusted, errcode.KindOf(err))
	}
	assert.Equal(t, int32(1), f.idp.hits.Load())
}

func TestConcurrentColdCacheSharesFetch(t *testing.T) {
	f := newFixture(t, nil)
	raw := sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.v.Validate(context.Background(), raw)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.idp.hits.Load())
}

func TestStaleKeysServedWhenIdPDown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.v.Validate(ctx, sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)}))
	require.NoError(t, err)

	f.idp.fail.Store(true)
	f.clock.Advance(11 * time.Minute)

	// TTL 已过但拉取失败：继续使用旧公钥
	_, err = f.v.Validate(ctx, sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.idp.hits.Load())
}

func TestFirstFetchFailureIsUntrusted(t *testing.T) {
	f := newFixture(t, nil)
	f.idp.fail.Store(true)

	_, err := f.v.Validate(context.Background(), sign(t, tokenSpec{kid: "k1", key: primaryKey, claims: f.claims(nil)}))
	assert.Equal(t, errcode.TokenUntrusted, errcode.KindOf(err))
}

func TestDiscoveryAndECKeys(t *testing.T) {
	testKeys(t)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	p := newIdP(t, jwk{
		Kty: "EC",
		Kid: "ec1",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(ecKey.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(ecKey.Y.FillBytes(make([]byte, 32))),
	}, jwk{Kty: "RSA", Kid: "enc", Use: "enc"})

	// 未配置 jwks_url：从发现文档解析
	v, err := NewValidator(&Config{Issuers: []IssuerConfig{{Issuer: p.srv.URL}}}, WithLogger(logger.NewNoop()))
	require.NoError(t, err)

	raw := sign(t, tokenSpec{kid: "ec1", key: ecKey, method: jwt.SigningMethodES256, claims: jwt.MapClaims{
		"iss": p.srv.URL,
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
		"scp": []string{"admin"},
	}})
	auth, err := v.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, auth.Scopes)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no issuers", Config{}},
		{"empty issuer", Config{Issuers: []IssuerConfig{{JWKSURL: "http://x"}}}},
		{"duplicate", Config{Issuers: []IssuerConfig{{Issuer: "http://a"}, {Issuer: "http://a"}}}},
		{"not a url without jwks", Config{Issuers: []IssuerConfig{{Issuer: "bank"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidator(&tt.cfg, WithLogger(logger.NewNoop()))
			assert.Error(t, err)
		})
	}

	_, err := NewValidator(&Config{
		Issuers:    []IssuerConfig{{Issuer: "http://a", JWKSURL: "http://a/certs"}},
		Algorithms: []string{"HS256"},
	}, WithLogger(logger.NewNoop()))
	assert.Error(t, err)
}

func TestAuthContextRoundTrip(t *testing.T) {
	a := &AuthContext{Subject: "s"}
	ctx := WithAuth(context.Background(), a)
	got, ok := AuthFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = AuthFromContext(context.Background())
	assert.False(t, ok)
}

func TestIPAllowlist(t *testing.T) {
	a, err := NewIPAllowlist([]string{"127.0.0.1", "10.0.0.0/8", "::1"})
	require.NoError(t, err)

	assert.True(t, a.Allow("127.0.0.1"))
	assert.True(t, a.Allow("10.20.30.40"))
	assert.True(t, a.Allow("::1"))
	assert.True(t, a.Allow("::ffff:10.1.1.1"))
	assert.False(t, a.Allow("192.168.1.1"))
	assert.False(t, a.Allow("not-ip"))
	assert.Equal(t, []string{"127.0.0.1/32", "10.0.0.0/8", "::1/128"}, a.Entries())

	_, err = NewIPAllowlist([]string{"10.0.0.0/33"})
	assert.ErrorIs(t, err, ErrCIDRInvalid)
	_, err = NewIPAllowlist(nil)
	assert.ErrorIs(t, err, ErrIPListEmpty)
}
