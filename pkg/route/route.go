// Package route 把入站请求映射到逻辑服务与改写后的下游路径
package route

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// 路径通配后缀，"/cards/**" 表示匹配 /cards 及其所有子路径
const wildcardSuffix = "/**"

// Spec 路由声明（纯数据，可直接由配置解析）
type Spec struct {
	// ID 路由标识，缺省为 Path；显式声明时必须唯一
	ID string `mapstructure:"id" json:"id"`
	// Methods 允许的方法，空或 "*" 表示任意
	Methods []string `mapstructure:"methods" json:"methods,omitempty"`
	// Path 路径模式：以 /** 结尾为前缀匹配，否则精确匹配
	Path string `mapstructure:"path" json:"path"`
	// Service 目标逻辑服务名
	Service string `mapstructure:"service" json:"service"`
	// Rewrite 目标前缀：剥离匹配前缀后拼接到其后；为空则不改写
	Rewrite string `mapstructure:"rewrite" json:"rewrite,omitempty"`
	// Scopes 访问所需的 scope，全部满足才放行
	Scopes []string `mapstructure:"scopes" json:"scopes,omitempty"`
	// Roles 访问所需的角色（realm_access.roles）
	Roles []string `mapstructure:"roles" json:"roles,omitempty"`
	// Public 跳过令牌校验
	Public bool `mapstructure:"public" json:"public,omitempty"`
	// TokenRelay 把调用方的 Authorization 头透传给下游
	TokenRelay bool `mapstructure:"token_relay" json:"token_relay,omitempty"`
	// AddRequestHeaders 追加到下游请求的固定头
	AddRequestHeaders map[string]string `mapstructure:"add_request_headers" json:"add_request_headers,omitempty"`
	// Idempotent 覆盖按方法推断的幂等性
	Idempotent *bool `mapstructure:"idempotent" json:"idempotent,omitempty"`
	// Timeout 整体请求期限（含重试），0 表示使用全局默认值
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	// FallbackMessage 服务不可用时替换 503 响应中的提示
	FallbackMessage string `mapstructure:"fallback_message" json:"fallback_message,omitempty"`
}

// Route 编译后的只读路由
type Route struct {
	Spec

	index   int
	methods map[string]struct{}
	prefix  string
	exact   bool
	target  string
	rewrite bool
}

// Index 声明顺序
func (r *Route) Index() int { return r.index }

// AllowsMethod 方法是否被允许
func (r *Route) AllowsMethod(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	_, ok := r.methods[strings.ToUpper(method)]
	return ok
}

// IsIdempotent 请求在该路由上是否可安全重放
func (r *Route) IsIdempotent(method string) bool {
	if r.Idempotent != nil {
		return *r.Idempotent
	}
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}

// match 判断路径是否命中，命中时返回剩余部分
func (r *Route) match(path string) (string, bool) {
	if r.exact {
		return "", path == r.prefix
	}
	if r.prefix == "" {
		return path, true
	}
	if !strings.HasPrefix(path, r.prefix) {
		return "", false
	}
	rest := path[len(r.prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

// RewritePath 计算下游路径
func (r *Route) RewritePath(path string) string {
	rest, ok := r.match(path)
	if !ok || !r.rewrite {
		return path
	}
	if r.exact {
		return r.target
	}
	return joinPath(r.target, rest)
}

func joinPath(prefix, rest string) string {
	joined := strings.TrimSuffix(prefix, "/") + rest
	if joined == "" {
		return "/"
	}
	return joined
}

// Compile 校验并编译路由声明
func Compile(index int, s Spec) (*Route, error) {
	if s.Path == "" || s.Path[0] != '/' {
		return nil, errors.Wrapf(ErrInvalidRoute, "route %d: path %q must start with /", index, s.Path)
	}
	if s.Service == "" {
		return nil, errors.Wrapf(ErrInvalidRoute, "route %d (%s): service is required", index, s.Path)
	}

	r := &Route{Spec: s, index: index}
	if r.ID == "" {
		r.ID = s.Path
	}

	if strings.HasSuffix(s.Path, wildcardSuffix) {
		r.prefix = strings.TrimSuffix(s.Path, wildcardSuffix)
	} else {
		r.prefix = s.Path
		r.exact = true
	}
	if strings.Contains(r.prefix, "*") {
		return nil, errors.Wrapf(ErrInvalidRoute, "route %d (%s): wildcard only allowed as trailing /**", index, s.Path)
	}

	if s.Rewrite != "" {
		if s.Rewrite[0] != '/' {
			return nil, errors.Wrapf(ErrInvalidRoute, "route %d (%s): rewrite %q must start with /", index, s.Path, s.Rewrite)
		}
		r.rewrite = true
		r.target = strings.TrimSuffix(strings.TrimSuffix(s.Rewrite, wildcardSuffix), "/")
		if r.exact && r.target == "" {
			r.target = "/"
		}
	}

	for _, m := range s.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || m == "*" {
			r.methods = nil
			break
		}
		if r.methods == nil {
			r.methods = make(map[string]struct{}, len(s.Methods))
		}
		r.methods[m] = struct{}{}
	}
	return r, nil
}

// Table 一组不可变的编译后路由
type Table struct {
	routes []*Route
	// 按匹配优先级排序：字面前缀长度降序，精确优先，声明顺序升序
	ordered []*Route
}

// NewTable 编译路由声明
func NewTable(specs []Spec) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(specs))}
	seen := make(map[string]int, len(specs))
	for i, s := range specs {
		r, err := Compile(i, s)
		if err != nil {
			return nil, err
		}
		if s.ID != "" {
			if prev, dup := seen[s.ID]; dup {
				return nil, errors.Wrapf(ErrInvalidRoute, "route %d: duplicate id %q (first declared at %d)", i, s.ID, prev)
			}
			seen[s.ID] = i
		}
		t.routes = append(t.routes, r)
	}

	t.ordered = append([]*Route(nil), t.routes...)
	sort.SliceStable(t.ordered, func(i, j int) bool {
		a, b := t.ordered[i], t.ordered[j]
		if len(a.prefix) != len(b.prefix) {
			return len(a.prefix) > len(b.prefix)
		}
		if a.exact != b.exact {
			return a.exact
		}
		return a.index < b.index
	})
	return t, nil
}

// Routes 按声明顺序返回全部路由
func (t *Table) Routes() []*Route {
	return t.routes
}

// Match 路由匹配结果
type Match struct {
	Route *Route
	// Path 改写后的下游路径
	Path string
}

// Lookup 查找路由，失败返回 ErrNoRouteMatch
func (t *Table) Lookup(method, path string) (Match, error) {
	path = cleanPath(path)
	for _, r := range t.ordered {
		if !r.AllowsMethod(method) {
			continue
		}
		if _, ok := r.match(path); ok {
			return Match{Route: r, Path: r.RewritePath(path)}, nil
		}
	}
	return Match{}, errors.WithStack(ErrNoRouteMatch)
}
