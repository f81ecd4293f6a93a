// Package balancer 为一次请求从候选实例中选出一个
package balancer

import (
	"github.com/restbank/gateway/pkg/errcode"
	"github.com/restbank/gateway/pkg/registry"
)

// Filter 实例是否可选（如实例级熔断器未打开、本次请求未尝试过）；nil 表示全部可选
type Filter func(registry.Instance) bool

// Balancer 负载均衡器，实现必须并发安全
type Balancer interface {
	// Pick 从 candidates 中选出一个通过 filter 的实例
	// 没有可选实例时返回 NoHealthyInstance 类错误
	Pick(service string, candidates []registry.Instance, filter Filter) (registry.Instance, error)
}

// Builder 负载均衡器构建器
type Builder interface {
	// Build 创建负载均衡器实例
	Build() Balancer
	// Name 返回负载均衡器名称
	Name() string
}

// available 过滤出可选实例
func available(candidates []registry.Instance, filter Filter) []registry.Instance {
	if filter == nil {
		return candidates
	}
	out := make([]registry.Instance, 0, len(candidates))
	for _, inst := range candidates {
		if filter(inst) {
			out = append(out, inst)
		}
	}
	return out
}

func noHealthy(service string, total int) error {
	if total == 0 {
		return errcode.Newf(errcode.NoHealthyInstance, "service %s has no registered instances", service)
	}
	return errcode.Newf(errcode.NoHealthyInstance, "service %s: all %d instances unavailable", service, total)
}
