// Package app 进程生命周期：配置加载、服务启停、资源回收
package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/util/conc"
)

// ErrAppAlreadyRunning 重复启动
var ErrAppAlreadyRunning = errors.New("application is already running")

// Server 可启停的服务；Start 不得阻塞
type Server interface {
	Start() error
	Stop(ctx context.Context) error
}

// Closer 需要在退出时释放的资源
type Closer interface {
	Close() error
}

// CloserFunc 函数形式的 Closer
type CloserFunc func() error

// Close 实现 Closer
func (f CloserFunc) Close() error { return f() }

// BaseApp 应用骨架
type BaseApp struct {
	opts    Options
	logger  logger.Logger
	servers []Server
	closers []Closer

	mu      sync.Mutex
	started atomic.Bool
	closed  atomic.Bool
}

// NewBaseApp 创建应用
func NewBaseApp(opts ...Option) *BaseApp {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &BaseApp{
		opts:   o,
		logger: o.Logger.Named(o.Name),
	}
}

// Logger 应用日志
func (a *BaseApp) Logger() logger.Logger {
	return a.logger
}

// AppendServer 注册服务，按注册顺序启动
func (a *BaseApp) AppendServer(srv ...Server) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers = append(a.servers, srv...)
}

// AppendCloser 注册资源，退出时逆序关闭
func (a *BaseApp) AppendCloser(c ...Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, c...)
}

// Run 启动全部服务并阻塞，直到收到信号或 ctx 结束
func (a *BaseApp) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAppAlreadyRunning
	}

	info := GetInfo()
	a.logger.Info("application starting",
		"name", info.AppName,
		"version", info.Version,
		"commit", info.GitCommit,
		"build_date", info.BuildDate,
		"go_version", info.GoVersion,
		"platform", info.Platform,
		"id", a.opts.ID,
	)

	a.mu.Lock()
	servers := append([]Server(nil), a.servers...)
	a.mu.Unlock()
	for _, srv := range servers {
		if err := srv.Start(); err != nil {
			a.logger.Error("failed to start server", "error", err)
			_ = a.Shutdown()
			return err
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		a.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled, shutting down")
	}
	return a.Shutdown()
}

// Shutdown 并行停止服务，超时后强制继续，再逆序关闭资源
func (a *BaseApp) Shutdown() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Info("application shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.StopTimeout)
	defer cancel()

	futures := make([]*conc.Future[struct{}], 0, len(a.servers))
	for _, srv := range a.servers {
		s := srv
		futures = append(futures, conc.Go(func() (struct{}, error) {
			return struct{}{}, s.Stop(ctx)
		}))
	}
	wait := conc.Go(func() (struct{}, error) {
		return struct{}{}, conc.AwaitAll(futures...)
	})

	var errs error
	select {
	case <-wait.Inner():
		if err := wait.Err(); err != nil {
			a.logger.Error("failed to stop server", "error", err)
			errs = errors.CombineErrors(errs, err)
		}
		a.logger.Info("all servers stopped")
	case <-time.After(a.opts.StopTimeout):
		a.logger.Warn("shutdown timeout, forcing exit")
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Error("failed to close component", "error", err)
		}
	}

	a.logger.Info("application exited")
	_ = a.logger.Sync()
	return errs
}
