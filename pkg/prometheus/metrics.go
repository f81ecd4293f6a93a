package prometheus

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// register 按名字登记并注册到 Registry
func (c *Client) register(name string, col prometheus.Collector) error {
	if c.IsClosed() {
		return ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.metrics[name]; ok {
		return errors.Wrapf(ErrMetricExists, "metric %s", name)
	}
	if err := c.registry.Register(col); err != nil {
		return errors.Wrapf(err, "register metric %s", name)
	}
	c.metrics[name] = col
	return nil
}

// NewCounter 创建并注册 CounterVec
func (c *Client) NewCounter(name, help string, labels []string) (*prometheus.CounterVec, error) {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	if err := c.register(name, v); err != nil {
		return nil, err
	}
	return v, nil
}

// MustNewCounter 创建 CounterVec，失败则 panic
func (c *Client) MustNewCounter(name, help string, labels []string) *prometheus.CounterVec {
	v, err := c.NewCounter(name, help, labels)
	if err != nil {
		panic(err)
	}
	return v
}

// NewGauge 创建并注册 GaugeVec
func (c *Client) NewGauge(name, help string, labels []string) (*prometheus.GaugeVec, error) {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	if err := c.register(name, v); err != nil {
		return nil, err
	}
	return v, nil
}

// MustNewGauge 创建 GaugeVec，失败则 panic
func (c *Client) MustNewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	v, err := c.NewGauge(name, help, labels)
	if err != nil {
		panic(err)
	}
	return v
}

// NewHistogram 创建并注册 HistogramVec，buckets 为 nil 时使用 DefBuckets
func (c *Client) NewHistogram(name, help string, labels []string, buckets []float64) (*prometheus.HistogramVec, error) {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	if err := c.register(name, v); err != nil {
		return nil, err
	}
	return v, nil
}

// MustNewHistogram 创建 HistogramVec，失败则 panic
func (c *Client) MustNewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	v, err := c.NewHistogram(name, help, labels, buckets)
	if err != nil {
		panic(err)
	}
	return v
}

// RegisterCollector 注册自定义采集器
func (c *Client) RegisterCollector(col prometheus.Collector) error {
	if c.IsClosed() {
		return ErrClientClosed
	}
	return c.registry.Register(col)
}
