package logger

import "context"

// Logger 结构化日志接口，键值对交替传入
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// *Context 变体额外输出 ctx 中的关联 ID 与追踪 ID
	DebugContext(ctx context.Context, msg string, keysAndValues ...any)
	InfoContext(ctx context.Context, msg string, keysAndValues ...any)
	WarnContext(ctx context.Context, msg string, keysAndValues ...any)
	ErrorContext(ctx context.Context, msg string, keysAndValues ...any)

	// Named 派生子日志，名称以 . 连接
	Named(name string) Logger
	// WithFields 派生带固定字段的日志
	WithFields(keysAndValues ...any) Logger

	Sync() error
}
