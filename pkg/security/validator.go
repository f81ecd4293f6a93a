package security

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/logger"
)

const bearerPrefix = "bearer "

// tokenClaims 网关关心的声明
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope       scopeList `json:"scope,omitempty"`
	Scp         scopeList `json:"scp,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Validator 令牌校验器
type Validator struct {
	cfg    *Config
	keys   *KeyCache
	clock  clockwork.Clock
	logger logger.Logger
	parser *jwt.Parser
}

// Option 校验器选项
type Option func(*validatorOptions)

type validatorOptions struct {
	client    *http.Client
	clock     clockwork.Clock
	logger    logger.Logger
	onRefresh func(issuer string, err error)
}

// WithHTTPClient 指定拉取公钥集的 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(o *validatorOptions) { o.client = c }
}

// WithClock 注入时钟
func WithClock(c clockwork.Clock) Option {
	return func(o *validatorOptions) { o.clock = c }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *validatorOptions) { o.logger = l }
}

// WithRefreshHook 每次拉取公钥集后回调
func WithRefreshHook(fn func(issuer string, err error)) Option {
	return func(o *validatorOptions) { o.onRefresh = fn }
}

// NewValidator 创建令牌校验器
func NewValidator(cfg *Config, opts ...Option) (*Validator, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge auth config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	o := &validatorOptions{
		clock:  clockwork.NewRealClock(),
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	l := o.logger.Named("security.jwks")

	keys := NewKeyCache(newCfg, o.client, o.clock, l)
	keys.onRefresh = o.onRefresh

	return &Validator{
		cfg:    newCfg,
		keys:   keys,
		clock:  o.clock,
		logger: l,
		parser: jwt.NewParser(
			jwt.WithValidMethods(newCfg.Algorithms),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Keys 公钥缓存
func (v *Validator) Keys() *KeyCache { return v.keys }

// ValidateHeader 从 Authorization 头取出 bearer 令牌并校验
func (v *Validator) ValidateHeader(ctx context.Context, header string) (*AuthContext, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, errcode.New(errcode.TokenMissing, "authorization header missing")
	}
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return nil, errcode.New(errcode.TokenMalformed, "authorization header is not a bearer token")
	}
	return v.Validate(ctx, strings.TrimSpace(header[len(bearerPrefix):]))
}

// Validate 校验令牌
// 顺序：结构、有效期、签发者、签名、受众；过期令牌不论签名是否有效都返回 TokenExpired
func (v *Validator) Validate(ctx context.Context, raw string) (*AuthContext, error) {
	if raw == "" {
		return nil, errcode.New(errcode.TokenMissing, "empty bearer token")
	}

	claims := &tokenClaims{}
	token, _, err := v.parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.TokenMalformed, "parse token")
	}

	if err := v.checkTime(claims); err != nil {
		return nil, err
	}

	issCfg, ok := v.keys.Trusted(claims.Issuer)
	if !ok {
		return nil, errcode.Newf(errcode.TokenUntrusted, "issuer %q is not trusted", claims.Issuer)
	}

	if err := v.verify(ctx, raw, token, claims.Issuer); err != nil {
		return nil, err
	}

	if len(issCfg.Audiences) > 0 && !audienceMatches(claims.Audience, issCfg.Audiences) {
		return nil, errcode.Newf(errcode.TokenAudienceMismatch, "audience %v not accepted by issuer %s", []string(claims.Audience), claims.Issuer)
	}

	scopes := []string(claims.Scope)
	if len(scopes) == 0 {
		scopes = claims.Scp
	}
	auth := &AuthContext{
		Subject:  claims.Subject,
		Scopes:   scopes,
		Roles:    claims.RealmAccess.Roles,
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
		Expiry:   claims.ExpiresAt.Time,
		Token:    raw,
	}
	return auth, nil
}

func (v *Validator) checkTime(claims *tokenClaims) error {
	if claims.ExpiresAt == nil {
		return errcode.New(errcode.TokenMalformed, "exp claim missing")
	}
	now := v.clock.Now()
	if !now.Before(claims.ExpiresAt.Time.Add(v.cfg.Leeway)) {
		return errcode.Newf(errcode.TokenExpired, "token expired at %s", claims.ExpiresAt.Time)
	}
	if claims.NotBefore != nil && now.Add(v.cfg.Leeway).Before(claims.NotBefore.Time) {
		return errcode.Newf(errcode.TokenExpired, "token not valid before %s", claims.NotBefore.Time)
	}
	return nil
}

// verify 用缓存公钥验签；失败时刷新一次公钥集再试，以容忍密钥轮换
func (v *Validator) verify(ctx context.Context, raw string, token *jwt.Token, issuer string) error {
	if !v.algAllowed(token.Method.Alg()) {
		return errcode.Newf(errcode.TokenUntrusted, "algorithm %s not allowed", token.Method.Alg())
	}
	kid, _ := token.Header["kid"].(string)

	err := v.verifyWithCache(ctx, raw, issuer, kid)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errcode.Wrap(ctx.Err(), errcode.RequestCancelled, "waiting for key set")
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && v.keys.Invalidate(ctx, issuer) {
		err = v.verifyWithCache(ctx, raw, issuer, kid)
		if err == nil {
			return nil
		}
	}
	return errcode.Wrapf(err, errcode.TokenUntrusted, "verify token from %s", issuer)
}

func (v *Validator) verifyWithCache(ctx context.Context, raw, issuer, kid string) error {
	keys, err := v.keys.Keys(ctx, issuer, kid)
	if err != nil {
		return err
	}
	var lastErr error = ErrKeyNotFound
	for _, key := range keys {
		_, err := v.parser.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (v *Validator) algAllowed(alg string) bool {
	for _, a := range v.cfg.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

func audienceMatches(got jwt.ClaimStrings, accepted []string) bool {
	for _, a := range got {
		if contains(accepted, a) {
			return true
		}
	}
	return false
}
