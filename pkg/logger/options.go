package logger

import "io"

// Option 配置选项
type Option func(*BaseLogger)

// WithGlobalFields 添加全局字段
func WithGlobalFields(keysAndValues ...any) Option {
	return func(l *BaseLogger) {
		for i := 0; i+1 < len(keysAndValues); i += 2 {
			key, ok := keysAndValues[i].(string)
			if !ok {
				continue
			}
			l.globalFields[key] = keysAndValues[i+1]
		}
	}
}

// WithHooks 添加钩子
func WithHooks(hooks ...Hook) Option {
	return func(l *BaseLogger) {
		l.hooks = append(l.hooks, hooks...)
	}
}

// WithLevel 覆盖日志等级
func WithLevel(level Level) Option {
	return func(l *BaseLogger) {
		l.config.Level = level
	}
}

// WithWriter 追加输出目标（测试中常用）
func WithWriter(w io.Writer) Option {
	return func(l *BaseLogger) {
		l.writers = append(l.writers, w)
	}
}

// WithContextExtractor 替换 context 字段提取器
func WithContextExtractor(fn ContextFieldExtractor) Option {
	return func(l *BaseLogger) {
		l.contextExtractor = fn
	}
}
