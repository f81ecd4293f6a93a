package balancer

import (
	"strconv"
	"sync"

	"github.com/restbank/gateway/pkg/registry"
)

const WeightedName = "weighted"

// WeightKey 实例元数据中的权重键
const WeightKey = "weight"

type weightedBuilder struct{}

func NewWeightedBuilder() Builder {
	return &weightedBuilder{}
}

func (b *weightedBuilder) Build() Balancer {
	return &weightedBalancer{
		weights: make(map[string]map[string]int),
	}
}

func (b *weightedBuilder) Name() string {
	return WeightedName
}

// weightedBalancer 平滑加权轮询（Smooth Weighted Round-Robin）
// 1. 每次选择时，所有可选实例的 currentWeight += weight
// 2. 选择 currentWeight 最大的实例
// 3. 被选中实例的 currentWeight -= totalWeight
//
// 示例：A(weight=5), B(weight=1), C(weight=1) 的选择序列为 A A B A C A A
type weightedBalancer struct {
	mu      sync.Mutex
	weights map[string]map[string]int // service -> address -> currentWeight
}

func weightOf(inst registry.Instance) int {
	if w, err := strconv.Atoi(inst.Metadata[WeightKey]); err == nil && w > 0 {
		return w
	}
	return 1
}

func (b *weightedBalancer) Pick(service string, candidates []registry.Instance, filter Filter) (registry.Instance, error) {
	pool := available(candidates, filter)
	if len(pool) == 0 {
		return registry.Instance{}, noHealthy(service, len(candidates))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.weights[service]
	if current == nil {
		current = make(map[string]int)
		b.weights[service] = current
	}

	total := 0
	best := -1
	for i, inst := range pool {
		w := weightOf(inst)
		total += w
		addr := inst.Address()
		current[addr] += w
		if best < 0 || current[addr] > current[pool[best].Address()] {
			best = i
		}
	}
	current[pool[best].Address()] -= total
	return pool[best], nil
}
