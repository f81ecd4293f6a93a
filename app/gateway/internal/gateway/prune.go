package gateway

import (
	"strings"

	"github.com/restbank/gateway/pkg/registry"
)

// Prune 回收已从快照中消失的实例的熔断器与连接名额，返回被回收的熔断器 key
// 服务级熔断器始终保留
func (g *Gateway) Prune(snap *registry.Snapshot) []string {
	live := make(map[string]struct{}, snap.Len())
	for _, svc := range snap.Services() {
		for _, inst := range snap.Instances(svc) {
			live[inst.Address()] = struct{}{}
		}
	}

	var removed []string
	g.breakers.Retain(func(key string) bool {
		service, addr, ok := strings.Cut(key, "/")
		if !ok || snap.Contains(service, addr) {
			return true
		}
		removed = append(removed, key)
		return false
	})
	g.forwarder.Retain(func(addr string) bool {
		_, ok := live[addr]
		return ok
	})
	if len(removed) > 0 {
		g.logger.Info("released breakers of departed instances", "keys", removed)
	}
	return removed
}
