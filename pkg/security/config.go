package security

import (
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// IssuerConfig 受信任的签发者
type IssuerConfig struct {
	// Issuer 必须与令牌 iss 完全一致
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// JWKSURL 公钥集地址；为空时通过 <issuer>/.well-known/openid-configuration 发现
	JWKSURL string `mapstructure:"jwks_url" json:"jwks_url,omitempty"`
	// Audiences 可接受的 aud，为空表示不校验
	Audiences []string `mapstructure:"audiences" json:"audiences,omitempty"`
}

// Config 令牌校验配置
type Config struct {
	Issuers []IssuerConfig `mapstructure:"issuers" json:"issuers"`
	// Algorithms 允许的签名算法
	Algorithms []string `mapstructure:"algorithms" json:"algorithms"`
	// Leeway exp/nbf 的时钟偏差容忍
	Leeway time.Duration `mapstructure:"leeway" json:"leeway"`
	// KeyTTL 公钥集缓存时长
	KeyTTL time.Duration `mapstructure:"key_ttl" json:"key_ttl"`
	// MinRefreshInterval 因 kid 缺失或验签失败触发刷新的最小间隔
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval" json:"min_refresh_interval"`
	// FetchTimeout 拉取公钥集的超时
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Algorithms:         []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"},
		Leeway:             30 * time.Second,
		KeyTTL:             10 * time.Minute,
		MinRefreshInterval: 10 * time.Second,
		FetchTimeout:       5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if len(c.Issuers) == 0 {
		return ErrNoIssuer
	}
	seen := make(map[string]struct{}, len(c.Issuers))
	for _, iss := range c.Issuers {
		if iss.Issuer == "" {
			return errors.Wrap(ErrInvalidIssuer, "issuer is required")
		}
		if _, dup := seen[iss.Issuer]; dup {
			return errors.Wrapf(ErrInvalidIssuer, "duplicate issuer %s", iss.Issuer)
		}
		seen[iss.Issuer] = struct{}{}
		if iss.JWKSURL == "" {
			if _, err := url.ParseRequestURI(iss.Issuer); err != nil {
				return errors.Wrapf(ErrInvalidIssuer, "issuer %s: jwks_url is empty and issuer is not a URL", iss.Issuer)
			}
		}
	}
	if len(c.Algorithms) == 0 {
		return errors.Wrap(ErrInvalidIssuer, "algorithms must not be empty")
	}
	for _, alg := range c.Algorithms {
		if alg == "none" || strings.HasPrefix(alg, "HS") {
			return errors.Wrapf(ErrInvalidIssuer, "algorithm %s is not allowed for public key verification", alg)
		}
	}
	if c.KeyTTL <= 0 || c.FetchTimeout <= 0 {
		return errors.Wrap(ErrInvalidIssuer, "key_ttl and fetch_timeout must be positive")
	}
	return nil
}
