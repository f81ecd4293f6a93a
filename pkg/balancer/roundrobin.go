package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/restbank/gateway/pkg/registry"
)

const RoundRobinName = "round_robin"

type roundRobinBuilder struct{}

func NewRoundRobinBuilder() Builder {
	return &roundRobinBuilder{}
}

func (b *roundRobinBuilder) Build() Balancer {
	return NewRoundRobin()
}

func (b *roundRobinBuilder) Name() string {
	return RoundRobinName
}

// RoundRobin 每个服务一个单调递增游标的轮询
// 游标指向的实例不可选时退化为在可选实例中随机选择
type RoundRobin struct {
	cursors sync.Map // service -> *atomic.Uint64
}

// NewRoundRobin 创建轮询均衡器
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (b *RoundRobin) cursor(service string) *atomic.Uint64 {
	if c, ok := b.cursors.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := b.cursors.LoadOrStore(service, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// Pick 选择实例
func (b *RoundRobin) Pick(service string, candidates []registry.Instance, filter Filter) (registry.Instance, error) {
	n := len(candidates)
	if n == 0 {
		return registry.Instance{}, noHealthy(service, 0)
	}

	idx := b.cursor(service).Add(1) - 1
	target := candidates[idx%uint64(n)]
	if filter == nil || filter(target) {
		return target, nil
	}

	pool := available(candidates, filter)
	if len(pool) == 0 {
		return registry.Instance{}, noHealthy(service, n)
	}
	return pool[rand.Intn(len(pool))], nil
}
