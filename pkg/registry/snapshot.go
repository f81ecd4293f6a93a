package registry

import (
	"sort"
	"time"
)

// Snapshot 一次刷新结果，发布后不再修改
type Snapshot struct {
	version   uint64
	updatedAt time.Time
	services  map[string][]Instance
}

var emptySnapshot = &Snapshot{services: map[string][]Instance{}}

// Version 发布序号，0 表示尚未成功刷新过
func (s *Snapshot) Version() uint64 { return s.version }

// UpdatedAt 发布时间
func (s *Snapshot) UpdatedAt() time.Time { return s.updatedAt }

// Instances 服务的实例列表；返回的切片与快照共享，调用方不得修改
func (s *Snapshot) Instances(service string) []Instance {
	return s.services[service]
}

// Services 按名称排序的服务列表
func (s *Snapshot) Services() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len 实例总数
func (s *Snapshot) Len() int {
	n := 0
	for _, insts := range s.services {
		n += len(insts)
	}
	return n
}

// Contains 快照中是否存在该实例
func (s *Snapshot) Contains(service, addr string) bool {
	for _, inst := range s.services[service] {
		if inst.Address() == addr {
			return true
		}
	}
	return false
}

func sortInstances(insts []Instance) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].Host != insts[j].Host {
			return insts[i].Host < insts[j].Host
		}
		return insts[i].Port < insts[j].Port
	})
}
