package logger

import "context"

var _ Logger = NoopLogger{}

// NoopLogger 丢弃全部输出，测试与未注入日志的组件使用
type NoopLogger struct{}

// NewNoop 创建空日志
func NewNoop() NoopLogger { return NoopLogger{} }

func (NoopLogger) Debug(string, ...any)                         {}
func (NoopLogger) Info(string, ...any)                          {}
func (NoopLogger) Warn(string, ...any)                          {}
func (NoopLogger) Error(string, ...any)                         {}
func (NoopLogger) DebugContext(context.Context, string, ...any) {}
func (NoopLogger) InfoContext(context.Context, string, ...any)  {}
func (NoopLogger) WarnContext(context.Context, string, ...any)  {}
func (NoopLogger) ErrorContext(context.Context, string, ...any) {}
func (l NoopLogger) Named(string) Logger                        { return l }
func (l NoopLogger) WithFields(...any) Logger                   { return l }
func (NoopLogger) Sync() error                                  { return nil }
