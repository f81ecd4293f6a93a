package registry

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("invalid registry config")
	// ErrAlreadyStarted 刷新循环已启动
	ErrAlreadyStarted = errors.New("registry client already started")
	// ErrFetchFailed 数据源拉取失败（Mark 标记，需用 cockroachdb/errors.Is 判断）
	ErrFetchFailed = errors.New("registry fetch failed")
)
