// Package registry 维护各逻辑服务的后端实例视图
//
// Client 在后台周期性（或收到推送时）从 Source 拉取全量实例，
// 每次刷新构建一份新的不可变 Snapshot 并原子发布；读请求只读取当前快照，从不等待网络。
package registry

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Status 实例健康状态
type Status string

const (
	StatusUp           Status = "UP"
	StatusDown         Status = "DOWN"
	StatusOutOfService Status = "OUT_OF_SERVICE"
)

// Healthy 是否可接收流量；未声明状态视为健康
func (s Status) Healthy() bool {
	return s == "" || s == StatusUp
}

// Instance 后端实例
type Instance struct {
	Service  string            `mapstructure:"service" json:"service"`
	ID       string            `mapstructure:"id" json:"id,omitempty"`
	Host     string            `mapstructure:"host" json:"host"`
	Port     int               `mapstructure:"port" json:"port"`
	Status   Status            `mapstructure:"status" json:"status,omitempty"`
	Metadata map[string]string `mapstructure:"metadata" json:"metadata,omitempty"`
	// LastSeen 最近一次出现在注册中心列表中的时间
	LastSeen time.Time `mapstructure:"-" json:"last_seen"`
}

// Address 返回 host:port
func (i Instance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Source 注册中心数据源
type Source interface {
	// Name 数据源名称（日志与指标使用）
	Name() string
	// Fetch 拉取全部服务的实例列表，key 为服务名
	Fetch(ctx context.Context) (map[string][]Instance, error)
}

// Notifier 可选的推送能力
// Watch 在 ctx 结束前持续运行，注册中心发生变化时向返回的通道发送信号
type Notifier interface {
	Watch(ctx context.Context) <-chan struct{}
}
