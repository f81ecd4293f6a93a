// Package conc 基于 ants 的协程池与 Future 封装
package conc

import (
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
)

// ErrPoolClosed 协程池已关闭
var ErrPoolClosed = errors.New("conc: pool is closed")

// Pool 带返回值的协程池
type Pool[T any] struct {
	inner *ants.Pool
}

// PoolOption 协程池选项
type PoolOption func(*[]ants.Option)

// WithPreAlloc 预分配 worker 队列
func WithPreAlloc(preAlloc bool) PoolOption {
	return func(opts *[]ants.Option) {
		*opts = append(*opts, ants.WithPreAlloc(preAlloc))
	}
}

// WithNonBlocking 池满时立即返回错误而不是等待
func WithNonBlocking(nonBlocking bool) PoolOption {
	return func(opts *[]ants.Option) {
		*opts = append(*opts, ants.WithNonblocking(nonBlocking))
	}
}

// NewPool 创建固定容量的协程池
func NewPool[T any](size int, opts ...PoolOption) *Pool[T] {
	antsOpts := make([]ants.Option, 0, len(opts))
	for _, opt := range opts {
		opt(&antsOpts)
	}
	p, err := ants.NewPool(size, antsOpts...)
	if err != nil {
		// 只有 size 非法时才会出错
		panic(err)
	}
	return &Pool[T]{inner: p}
}

// NewDefaultPool 以 CPU 数为容量创建协程池
func NewDefaultPool[T any](opts ...PoolOption) *Pool[T] {
	return NewPool[T](runtime.GOMAXPROCS(0), opts...)
}

// Submit 提交任务，返回结果 Future
func (p *Pool[T]) Submit(fn func() (T, error)) *Future[T] {
	return submit(p.inner, fn)
}

func submit[T any](pool *ants.Pool, fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.Submit(func() {
		defer close(future.ch)
		defer func() {
			if r := recover(); r != nil {
				future.err = errors.Newf("conc: task panicked: %v", r)
			}
		}()
		future.value, future.err = fn()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrPoolClosed
		}
		future.err = err
		close(future.ch)
	}
	return future
}

// Running 正在运行的 worker 数
func (p *Pool[T]) Running() int {
	return p.inner.Running()
}

// Cap 协程池容量
func (p *Pool[T]) Cap() int {
	return p.inner.Cap()
}

// Release 关闭协程池
func (p *Pool[T]) Release() {
	p.inner.Release()
}

// background 进程内共享的后台池，容量不设上限
// 刷新循环、推送监听、缓存清理等常驻任务都运行在其中
var background = sync.OnceValue(func() *ants.Pool {
	p, err := ants.NewPool(-1)
	if err != nil {
		panic(err)
	}
	return p
})

// Go 在共享后台池中执行任务
func Go[T any](fn func() (T, error)) *Future[T] {
	return submit(background(), fn)
}

// Running 共享后台池中正在运行的任务数
func Running() int {
	return background().Running()
}
