// Package metrics 网关 Prometheus 指标
package metrics

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/restbank/gateway/pkg/breaker"
	promclient "github.com/restbank/gateway/pkg/prometheus"
	"github.com/restbank/gateway/pkg/registry"
)

// 刷新结果标签
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics 网关指标集合
type Metrics struct {
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	attempts          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	registryRefresh   *prometheus.CounterVec
	registryInstances *prometheus.GaugeVec
	jwksRefresh       *prometheus.CounterVec
}

// New 在客户端上注册全部指标
func New(c *promclient.Client) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.requests, err = c.NewCounter("requests_total", "Inbound requests by route and status code.", []string{"route", "code"}); err != nil {
		return nil, errors.Wrap(err, "requests_total")
	}
	if m.duration, err = c.NewHistogram("request_duration_seconds", "Inbound request latency.", []string{"route", "method"}, nil); err != nil {
		return nil, errors.Wrap(err, "request_duration_seconds")
	}
	if m.attempts, err = c.NewCounter("upstream_attempts_total", "Downstream attempts by service and outcome.", []string{"service", "outcome"}); err != nil {
		return nil, errors.Wrap(err, "upstream_attempts_total")
	}
	if m.retries, err = c.NewCounter("retries_total", "Retries issued per service.", []string{"service"}); err != nil {
		return nil, errors.Wrap(err, "retries_total")
	}
	if m.breakerState, err = c.NewGauge("breaker_state", "Breaker state per key (0 closed, 1 open, 2 half-open).", []string{"key"}); err != nil {
		return nil, errors.Wrap(err, "breaker_state")
	}
	if m.registryRefresh, err = c.NewCounter("registry_refresh_total", "Registry refreshes by result.", []string{"result"}); err != nil {
		return nil, errors.Wrap(err, "registry_refresh_total")
	}
	if m.registryInstances, err = c.NewGauge("registry_instances", "Instances in the current snapshot per service.", []string{"service"}); err != nil {
		return nil, errors.Wrap(err, "registry_instances")
	}
	if m.jwksRefresh, err = c.NewCounter("jwks_refresh_total", "Issuer key set refreshes by result.", []string{"issuer", "result"}); err != nil {
		return nil, errors.Wrap(err, "jwks_refresh_total")
	}
	return &m, nil
}

// ObserveRequest 记录一次入站请求，签名与 middleware.RequestObserver 一致
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ObserveAttempt 记录一次下游尝试
func (m *Metrics) ObserveAttempt(inst registry.Instance, outcome string) {
	m.attempts.WithLabelValues(inst.Service, outcome).Inc()
}

// ObserveRetry 记录一次重试
func (m *Metrics) ObserveRetry(service string) {
	m.retries.WithLabelValues(service).Inc()
}

// BreakerStateChanged 熔断器状态迁移
func (m *Metrics) BreakerStateChanged(key string, _, to breaker.State) {
	m.breakerState.WithLabelValues(key).Set(float64(to))
}

// ForgetBreaker 熔断器被回收后移除其序列
func (m *Metrics) ForgetBreaker(key string) {
	m.breakerState.DeleteLabelValues(key)
}

// RegistryRefreshed 一次注册中心刷新结束
func (m *Metrics) RegistryRefreshed(err error) {
	m.registryRefresh.WithLabelValues(result(err)).Inc()
}

// RegistryUpdated 新快照发布
func (m *Metrics) RegistryUpdated(snap *registry.Snapshot) {
	m.registryInstances.Reset()
	for _, svc := range snap.Services() {
		m.registryInstances.WithLabelValues(svc).Set(float64(len(snap.Instances(svc))))
	}
}

// JWKSRefreshed 一次公钥集刷新结束
func (m *Metrics) JWKSRefreshed(issuer string, err error) {
	m.jwksRefresh.WithLabelValues(issuer, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
