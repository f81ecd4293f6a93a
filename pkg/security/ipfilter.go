package security

import (
	"net/netip"
	"strings"

	"github.com/cockroachdb/errors"
)

// IPAllowlist 基于 IP/CIDR 的白名单，用于保护运维接口
type IPAllowlist struct {
	prefixes []netip.Prefix
}

// NewIPAllowlist 解析白名单，支持单个 IP 和 CIDR
// 如：["127.0.0.1", "10.0.0.0/8", "::1"]
func NewIPAllowlist(entries []string) (*IPAllowlist, error) {
	a := &IPAllowlist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, errors.Wrapf(ErrCIDRInvalid, "%q", e)
			}
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, errors.Wrapf(ErrIPInvalid, "%q", e)
		}
		a.prefixes = append(a.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	if len(a.prefixes) == 0 {
		return nil, ErrIPListEmpty
	}
	return a, nil
}

// Allow IP 是否在白名单内
func (a *IPAllowlist) Allow(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Entries 规范化后的白名单
func (a *IPAllowlist) Entries() []string {
	out := make([]string, 0, len(a.prefixes))
	for _, p := range a.prefixes {
		out = append(out, p.String())
	}
	return out
}
