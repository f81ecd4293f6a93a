package balancer

import (
	"math/rand/v2"

	"github.com/restbank/gateway/pkg/registry"
)

// RandomName 均匀随机
const RandomName = "random"

type randomBuilder struct{}

// NewRandomBuilder 均匀随机构建器
func NewRandomBuilder() Builder { return randomBuilder{} }

func (randomBuilder) Build() Balancer { return randomBalancer{} }
func (randomBuilder) Name() string    { return RandomName }

// randomBalancer 无状态，每次从可选实例中均匀抽取
type randomBalancer struct{}

func (randomBalancer) Pick(service string, candidates []registry.Instance, filter Filter) (registry.Instance, error) {
	pool := available(candidates, filter)
	if len(pool) == 0 {
		return registry.Instance{}, noHealthy(service, len(candidates))
	}
	return pool[rand.IntN(len(pool))], nil
}
