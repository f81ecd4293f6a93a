package conc

// Future 异步任务的结果句柄
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan struct{})}
}

// Inner 返回任务完成时关闭的通道
func (f *Future[T]) Inner() <-chan struct{} {
	return f.ch
}

// Done 任务是否已完成（非阻塞）
func (f *Future[T]) Done() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Await 阻塞等待任务完成并返回结果
func (f *Future[T]) Await() (T, error) {
	<-f.ch
	return f.value, f.err
}

// Err 等待完成并只返回错误
func (f *Future[T]) Err() error {
	<-f.ch
	return f.err
}

// AwaitAll 等待全部任务完成，返回第一个错误
func AwaitAll[T any](futures ...*Future[T]) error {
	var first error
	for _, f := range futures {
		if err := f.Err(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
