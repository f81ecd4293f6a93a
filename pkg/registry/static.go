package registry

import (
	"context"
	"sync"

	"github.com/restbank/gateway/pkg/util/conc"
)

// Static 内存数据源，实例来自配置或由调用方设置
type Static struct {
	mu       sync.RWMutex
	services map[string][]Instance
	err      error
	watchers []chan struct{}
}

// NewStatic 创建内存数据源
func NewStatic(services map[string][]Instance) *Static {
	s := &Static{services: make(map[string][]Instance, len(services))}
	for name, insts := range services {
		s.services[name] = append([]Instance(nil), insts...)
	}
	return s
}

// Name 数据源名称
func (s *Static) Name() string { return "static" }

// Fetch 返回当前实例的副本
func (s *Static) Fetch(ctx context.Context) (map[string][]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string][]Instance, len(s.services))
	for name, insts := range s.services {
		out[name] = append([]Instance(nil), insts...)
	}
	return out, nil
}

// Set 替换服务的实例并通知监听者
func (s *Static) Set(service string, insts ...Instance) {
	s.mu.Lock()
	if len(insts) == 0 {
		delete(s.services, service)
	} else {
		s.services[service] = append([]Instance(nil), insts...)
	}
	s.mu.Unlock()
	s.notify()
}

// Fail 后续 Fetch 返回 err；传 nil 恢复
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Watch 实现 Notifier
func (s *Static) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	conc.Go(func() (struct{}, error) {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
		return struct{}{}, nil
	})
	return ch
}

func (s *Static) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
