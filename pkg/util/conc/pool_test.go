package conc

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSubmit(t *testing.T) {
	p := NewPool[int](2)
	defer p.Release()

	var futures []*Future[int]
	for i := 0; i < 10; i++ {
		n := i
		futures = append(futures, p.Submit(func() (int, error) {
			return n * n, nil
		}))
	}

	for i, f := range futures {
		v, err := f.Await()
		require.NoError(t, err)
		assert.Equal(t, i*i, v)
		assert.True(t, f.Done())
	}
}

func TestPoolSubmitAfterRelease(t *testing.T) {
	p := NewPool[struct{}](1)
	p.Release()

	f := p.Submit(func() (struct{}, error) { return struct{}{}, nil })
	assert.ErrorIs(t, f.Err(), ErrPoolClosed)
}

func TestGoAndAwaitAll(t *testing.T) {
	var count atomic.Int32
	boom := errors.New("boom")

	f1 := Go(func() (struct{}, error) {
		count.Add(1)
		return struct{}{}, nil
	})
	f2 := Go(func() (struct{}, error) {
		count.Add(1)
		return struct{}{}, boom
	})

	err := AwaitAll(f1, f2)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), count.Load())
}

func TestGoRunsOnSharedPool(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := Go(func() (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})

	<-started
	assert.GreaterOrEqual(t, Running(), 1)
	close(release)
	require.NoError(t, f.Err())
}

func TestPanicBecomesError(t *testing.T) {
	f := Go(func() (int, error) {
		panic("refresh loop exploded")
	})
	err := f.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh loop exploded")
}
