package route

import (
	"path"
	"strings"
	"sync/atomic"
)

// Resolver 持有当前路由表，支持整体原子替换
type Resolver struct {
	table atomic.Pointer[Table]
}

// NewResolver 由路由声明创建 Resolver
func NewResolver(specs []Spec) (*Resolver, error) {
	t, err := NewTable(specs)
	if err != nil {
		return nil, err
	}
	r := &Resolver{}
	r.table.Store(t)
	return r, nil
}

// Resolve 解析请求，返回命中的路由与改写后的路径
// path 为请求的转义形式（URL.EscapedPath），改写结果保持同样的编码
func (r *Resolver) Resolve(method, path string) (Match, error) {
	return r.table.Load().Lookup(method, path)
}

// Table 当前路由表
func (r *Resolver) Table() *Table {
	return r.table.Load()
}

// Replace 编译新路由表并原子替换；编译失败时保留旧表
func (r *Resolver) Replace(specs []Spec) error {
	t, err := NewTable(specs)
	if err != nil {
		return err
	}
	r.table.Store(t)
	return nil
}

// cleanPath 规整转义路径，消除 "." ".." 与重复斜杠，保留末尾斜杠
// 非保留字符的百分号编码先解码（%2e 视同 "."），保留字符的编码原样保留
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	p = unescapeUnreserved(p)
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

const upperHex = "0123456789ABCDEF"

func unescapeUnreserved(p string) string {
	if !strings.Contains(p, "%") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		if p[i] != '%' || i+2 >= len(p) || !isHex(p[i+1]) || !isHex(p[i+2]) {
			b.WriteByte(p[i])
			continue
		}
		c := unhex(p[i+1])<<4 | unhex(p[i+2])
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0x0f])
		}
		i += 2
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
