package config

// Option 配置管理器选项
type Option func(*manager)

// WithEnvPrefix 开启环境变量覆盖，GATEWAY_RETRY_MAX_ATTEMPTS 对应 retry.max_attempts
func WithEnvPrefix(prefix string) Option {
	return func(m *manager) {
		m.BindEnv(prefix)
	}
}
