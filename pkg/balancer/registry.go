package balancer

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnknownBalancer 未注册的均衡器名称
var ErrUnknownBalancer = errors.New("unknown balancer")

var (
	mu       sync.RWMutex
	builders = make(map[string]Builder)
)

func init() {
	// 注册内置负载均衡器
	Register(NewRandomBuilder())
	Register(NewRoundRobinBuilder())
	Register(NewWeightedBuilder())
}

// Register 注册负载均衡器构建器
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[b.Name()] = b
}

// Get 获取负载均衡器构建器
func Get(name string) Builder {
	mu.RLock()
	defer mu.RUnlock()
	return builders[name]
}

// New 按名称创建负载均衡器，空名称使用轮询
func New(name string) (Balancer, error) {
	if name == "" {
		name = RoundRobinName
	}
	b := Get(name)
	if b == nil {
		return nil, errors.Wrapf(ErrUnknownBalancer, "%q", name)
	}
	return b.Build(), nil
}
