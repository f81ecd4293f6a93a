// Package etcd 基于 etcd 前缀键的注册中心数据源
//
// 每个实例一个键 <namespace>/<service>/<id>，值为 registry.Instance 的 JSON。
package etcd

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/util/conc"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Source etcd 数据源
type Source struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	closer  func() error
	cfg     *Config
	logger  logger.Logger
}

// New 连接 etcd 并创建数据源
func New(cfg *Config, l logger.Logger) (*Source, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge etcd config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   newCfg.Endpoints,
		DialTimeout: newCfg.DialTimeout,
		Username:    newCfg.Username,
		Password:    newCfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create etcd client")
	}
	return newSource(client, client, client.Close, newCfg, l), nil
}

func newSource(kv clientv3.KV, w clientv3.Watcher, closer func() error, cfg *Config, l logger.Logger) *Source {
	if l == nil {
		l = logger.Default()
	}
	return &Source{kv: kv, watcher: w, closer: closer, cfg: cfg, logger: l.Named("registry.etcd")}
}

// Name 数据源名称
func (s *Source) Name() string { return "etcd" }

// Fetch 读取命名空间下的全部实例
func (s *Source) Fetch(ctx context.Context) (map[string][]registry.Instance, error) {
	resp, err := s.kv.Get(ctx, s.cfg.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "get etcd prefix")
	}
	return s.decode(resp.Kvs), nil
}

func (s *Source) decode(kvs []*mvccpb.KeyValue) map[string][]registry.Instance {
	prefix := s.cfg.prefix()
	out := make(map[string][]registry.Instance)
	for _, kv := range kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		service, id, ok := strings.Cut(rest, "/")
		if !ok || service == "" {
			s.logger.Warn("skip malformed instance key", "key", string(kv.Key))
			continue
		}

		var inst registry.Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			s.logger.Warn("skip undecodable instance", "key", string(kv.Key), "error", err)
			continue
		}
		if inst.ID == "" {
			inst.ID = id
		}
		inst.Service = service
		out[service] = append(out[service], inst)
	}
	return out
}

// Watch 监听命名空间前缀的变化
func (s *Source) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	wch := s.watcher.Watch(clientv3.WithRequireLeader(ctx), s.cfg.prefix(), clientv3.WithPrefix())
	conc.Go(func() (struct{}, error) {
		defer close(ch)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.logger.Warn("etcd watch error", "error", err)
				continue
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		return struct{}{}, nil
	})
	return ch
}

// Close 关闭 etcd 连接
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
