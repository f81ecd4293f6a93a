package logger

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

const redacted = "***REDACTED***"

// Hook 写入前回调，返回 false 丢弃该条日志
type Hook interface {
	OnWrite(entry zapcore.Entry, fields []zapcore.Field) bool
}

// HookFunc 函数形式的 Hook
type HookFunc func(entry zapcore.Entry, fields []zapcore.Field) bool

// OnWrite 实现 Hook
func (f HookFunc) OnWrite(entry zapcore.Entry, fields []zapcore.Field) bool {
	return f(entry, fields)
}

// hookedCore 在写入前依次执行钩子
type hookedCore struct {
	zapcore.Core
	hooks []Hook
}

// NewHookedCore 包装 core
func NewHookedCore(core zapcore.Core, hooks ...Hook) zapcore.Core {
	if len(hooks) == 0 {
		return core
	}
	return &hookedCore{Core: core, hooks: hooks}
}

func (h *hookedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(entry.Level) {
		return ce.AddCore(entry, h)
	}
	return ce
}

func (h *hookedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	for _, hook := range h.hooks {
		if !hook.OnWrite(entry, fields) {
			return nil
		}
	}
	return h.Core.Write(entry, fields)
}

func (h *hookedCore) With(fields []zapcore.Field) zapcore.Core {
	// With 绑定的字段不会再经过 Write 的 fields，这里先脱敏
	for _, hook := range h.hooks {
		hook.OnWrite(zapcore.Entry{}, fields)
	}
	return &hookedCore{Core: h.Core.With(fields), hooks: h.hooks}
}

// SensitiveDataHook 脱敏指定字段（不区分大小写），并屏蔽任何以 Bearer 开头的字符串值
func SensitiveDataHook(sensitiveKeys []string) Hook {
	keys := make(map[string]struct{}, len(sensitiveKeys))
	for _, key := range sensitiveKeys {
		keys[strings.ToLower(key)] = struct{}{}
	}

	return HookFunc(func(_ zapcore.Entry, fields []zapcore.Field) bool {
		for i := range fields {
			_, named := keys[strings.ToLower(fields[i].Key)]
			if named || isBearer(fields[i]) {
				fields[i] = zapcore.Field{Key: fields[i].Key, Type: zapcore.StringType, String: redacted}
			}
		}
		return true
	})
}

func isBearer(f zapcore.Field) bool {
	return f.Type == zapcore.StringType && len(f.String) > 7 && strings.EqualFold(f.String[:7], "bearer ")
}
