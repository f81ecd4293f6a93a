package security

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/restbank/gateway/pkg/errcode"
)

// AuthContext 一次请求的身份，只在该请求内有效
type AuthContext struct {
	Subject  string    `json:"sub"`
	Scopes   []string  `json:"scopes,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	Issuer   string    `json:"iss"`
	Audience []string  `json:"aud,omitempty"`
	Expiry   time.Time `json:"exp"`
	// Token 原始令牌（不含 Bearer 前缀），用于令牌透传
	Token string `json:"-"`
}

// HasScope 是否持有 scope
func (a *AuthContext) HasScope(scope string) bool {
	return contains(a.Scopes, scope)
}

// HasRole 是否持有角色
func (a *AuthContext) HasRole(role string) bool {
	return contains(a.Roles, role)
}

// Require 检查全部 scope 与角色，缺少任何一个返回 InsufficientScope
func (a *AuthContext) Require(scopes, roles []string) error {
	for _, s := range scopes {
		if !a.HasScope(s) {
			return errcode.Newf(errcode.InsufficientScope, "subject %s lacks scope %s", a.Subject, s)
		}
	}
	for _, r := range roles {
		if !a.HasRole(r) {
			return errcode.Newf(errcode.InsufficientScope, "subject %s lacks role %s", a.Subject, r)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// WithAuth 将身份存入 context
func WithAuth(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, a)
}

// AuthFromContext 从 context 读取身份
func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	a, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return a, ok && a != nil
}

// scopeList 兼容空格分隔字符串与字符串数组两种写法
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = strings.Fields(str)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}
