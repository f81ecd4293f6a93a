package security

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/restbank/gateway/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// keySet 一个签发者的公钥快照
type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// issuerState 单个签发者的缓存状态
type issuerState struct {
	cfg         IssuerConfig
	jwksURL     string
	set         *keySet
	lastAttempt time.Time
}

// KeyCache 按签发者缓存公钥集
// 同一签发者同时最多一个拉取请求，并发的等待者共享结果
type KeyCache struct {
	client     *http.Client
	clock      clockwork.Clock
	logger     logger.Logger
	ttl        time.Duration
	minRefresh time.Duration
	timeout    time.Duration
	onRefresh  func(issuer string, err error)

	mu      sync.RWMutex
	issuers map[string]*issuerState
	group   singleflight.Group
}

// NewKeyCache 创建公钥缓存
func NewKeyCache(cfg *Config, client *http.Client, clock clockwork.Clock, l logger.Logger) *KeyCache {
	if client == nil {
		client = &http.Client{}
	}
	c := &KeyCache{
		client:     client,
		clock:      clock,
		logger:     l,
		ttl:        cfg.KeyTTL,
		minRefresh: cfg.MinRefreshInterval,
		timeout:    cfg.FetchTimeout,
		issuers:    make(map[string]*issuerState, len(cfg.Issuers)),
	}
	for _, iss := range cfg.Issuers {
		c.issuers[iss.Issuer] = &issuerState{cfg: iss, jwksURL: iss.JWKSURL}
	}
	return c
}

// Trusted 签发者是否受信任
func (c *KeyCache) Trusted(issuer string) (IssuerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.issuers[issuer]
	if !ok {
		return IssuerConfig{}, false
	}
	return st.cfg, true
}

// snapshot 返回当前公钥集以及是否需要刷新
func (c *KeyCache) snapshot(issuer string) (*keySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.issuers[issuer]
	if st == nil || st.set == nil {
		return nil, true
	}
	return st.set, c.clock.Since(st.set.fetchedAt) >= c.ttl
}

// Keys 返回 kid 对应的候选公钥；kid 为空时返回全部公钥
// 缓存缺失或过期时会阻塞等待一次刷新
func (c *KeyCache) Keys(ctx context.Context, issuer, kid string) ([]crypto.PublicKey, error) {
	set, expired := c.snapshot(issuer)
	if expired {
		set = c.refresh(ctx, issuer)
	} else if kid != "" && set.keys[kid] == nil {
		set = c.refresh(ctx, issuer)
	}
	if set == nil {
		return nil, errors.Wrapf(ErrKeySetFetch, "no key set available for issuer %s", issuer)
	}
	if kid != "" {
		if k := set.keys[kid]; k != nil {
			return []crypto.PublicKey{k}, nil
		}
		return nil, errors.Wrapf(ErrKeyNotFound, "issuer %s kid %s", issuer, kid)
	}
	out := make([]crypto.PublicKey, 0, len(set.keys))
	for _, k := range set.keys {
		out = append(out, k)
	}
	return out, nil
}

// Invalidate 验签失败后请求刷新；受最小刷新间隔约束
// 返回是否得到了新的公钥集
func (c *KeyCache) Invalidate(ctx context.Context, issuer string) bool {
	before, _ := c.snapshot(issuer)
	after := c.refresh(ctx, issuer)
	return after != nil && after != before
}

// refresh 拉取公钥集；失败或被最小刷新间隔限流时返回缓存的公钥集（可能为 nil）
func (c *KeyCache) refresh(ctx context.Context, issuer string) *keySet {
	ch := c.group.DoChan(issuer, func() (interface{}, error) {
		return c.fetch(issuer)
	})
	select {
	case <-ctx.Done():
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*keySet)
		}
	}
	set, _ := c.snapshot(issuer)
	return set
}

// fetch 在 singleflight 中执行，使用独立的超时上下文，避免单个调用方取消影响其他等待者
func (c *KeyCache) fetch(issuer string) (*keySet, error) {
	c.mu.Lock()
	st := c.issuers[issuer]
	if st == nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrKeySetFetch, "issuer %s is not trusted", issuer)
	}
	if !st.lastAttempt.IsZero() && c.clock.Since(st.lastAttempt) < c.minRefresh {
		set := st.set
		c.mu.Unlock()
		if set == nil {
			return nil, errors.Wrapf(ErrKeySetFetch, "issuer %s: refresh throttled", issuer)
		}
		return set, nil
	}
	st.lastAttempt = c.clock.Now()
	jwksURL := st.jwksURL
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	set, discovered, err := c.load(ctx, issuer, jwksURL)
	if c.onRefresh != nil {
		c.onRefresh(issuer, err)
	}
	if err != nil {
		c.logger.Warn("key set refresh failed, keeping cached keys",
			"issuer", issuer,
			"error", err,
		)
		return nil, err
	}

	c.mu.Lock()
	st.jwksURL = discovered
	st.set = set
	c.mu.Unlock()

	c.logger.Info("key set refreshed", "issuer", issuer, "keys", len(set.keys))
	return set, nil
}

func (c *KeyCache) load(ctx context.Context, issuer, jwksURL string) (*keySet, string, error) {
	if jwksURL == "" {
		u, err := c.discover(ctx, issuer)
		if err != nil {
			return nil, "", err
		}
		jwksURL = u
	}

	var doc jwkSet
	if err := c.getJSON(ctx, jwksURL, &doc); err != nil {
		return nil, jwksURL, err
	}

	set := &keySet{keys: make(map[string]crypto.PublicKey, len(doc.Keys)), fetchedAt: c.clock.Now()}
	for i, k := range doc.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("skip unusable key", "issuer", issuer, "kid", k.Kid, "error", err)
			continue
		}
		kid := k.Kid
		if kid == "" {
			kid = "#" + strconv.Itoa(i)
		}
		set.keys[kid] = pub
	}
	if len(set.keys) == 0 {
		return nil, jwksURL, errors.Wrapf(ErrKeySetFetch, "%s: no usable signing keys", jwksURL)
	}
	return set, jwksURL, nil
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func (c *KeyCache) discover(ctx context.Context, issuer string) (string, error) {
	var doc discoveryDocument
	u := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	if err := c.getJSON(ctx, u, &doc); err != nil {
		return "", err
	}
	if doc.JWKSURI == "" {
		return "", errors.Wrapf(ErrKeySetFetch, "%s: jwks_uri missing", u)
	}
	if doc.Issuer != "" && doc.Issuer != issuer {
		return "", errors.Wrapf(ErrKeySetFetch, "%s: issuer mismatch %s", u, doc.Issuer)
	}
	return doc.JWKSURI, nil
}

func (c *KeyCache) getJSON(ctx context.Context, u string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "build request %s", u), ErrKeySetFetch)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "get %s", u), ErrKeySetFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrKeySetFetch, "get %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s", u), ErrKeySetFetch)
	}
	return nil
}
