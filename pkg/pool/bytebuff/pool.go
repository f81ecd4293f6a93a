// Package bytebuff 可重放请求体的池化缓冲
package bytebuff

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
)

// ErrTooLarge 请求体超过缓冲上限
var ErrTooLarge = errors.New("bytebuff: body exceeds buffer limit")

// Pool 基于 valyala/bytebufferpool 的缓冲池，带统计
type Pool struct {
	pool bytebufferpool.Pool

	gets atomic.Uint64
	puts atomic.Uint64
}

var defaultPool = &Pool{}

// NewPool 创建缓冲池
func NewPool() *Pool {
	return &Pool{}
}

// Default 全局缓冲池
func Default() *Pool {
	return defaultPool
}

// Get 取出一个空缓冲
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	p.gets.Add(1)
	return p.pool.Get()
}

// Put 归还缓冲
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	p.puts.Add(1)
	p.pool.Put(buf)
}

// Stats 取出与归还次数
func (p *Pool) Stats() (gets, puts uint64) {
	return p.gets.Load(), p.puts.Load()
}

// Body 已完整读入内存、可多次重放的请求体
// 缓冲在持有者 Release 且所有读取器都 Close 之后才归还
type Body struct {
	pool     *Pool
	buf      *bytebufferpool.ByteBuffer
	refs     atomic.Int32
	released atomic.Bool
}

// ReadBody 读取至多 limit 字节；超出时返回 ErrTooLarge 且缓冲已归还
func (p *Pool) ReadBody(r io.Reader, limit int64) (*Body, error) {
	buf := p.Get()
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		p.Put(buf)
		return nil, errors.Wrap(err, "read body")
	}
	if n > limit {
		p.Put(buf)
		return nil, errors.Wrapf(ErrTooLarge, "limit %d", limit)
	}
	b := &Body{pool: p, buf: buf}
	b.refs.Store(1)
	return b, nil
}

// Len 字节数
func (b *Body) Len() int {
	return b.buf.Len()
}

// Reader 每次调用返回一个从头开始的新读取器，用完必须 Close
func (b *Body) Reader() io.ReadCloser {
	b.refs.Add(1)
	return &bodyReader{Reader: bytes.NewReader(b.buf.B), body: b}
}

// Release 持有者放弃缓冲；之后不可再调用 Reader
func (b *Body) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.unref()
}

func (b *Body) unref() {
	if b.refs.Add(-1) == 0 {
		b.pool.Put(b.buf)
	}
}

// bodyReader 的 Close 可能由 http.Transport 在 RoundTrip 返回后异步调用
type bodyReader struct {
	*bytes.Reader
	body   *Body
	closed atomic.Bool
}

func (r *bodyReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.body.unref()
	}
	return nil
}

// CopySize Copy 使用的缓冲大小
const CopySize = 32 * 1024

// Copy 用池化缓冲把 src 复制到 dst；dst 实现 http.Flusher 时每次写出后立即刷新
func (p *Pool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := p.Get()
	defer p.Put(buf)
	if cap(buf.B) < CopySize {
		buf.B = make([]byte, CopySize)
	}
	chunk := buf.B[:CopySize]

	flusher, _ := dst.(flusher)
	var written int64
	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			w, werr := dst.Write(chunk[:n])
			written += int64(w)
			if werr != nil {
				return written, errors.Wrap(werr, "write")
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errors.Wrap(rerr, "read")
		}
	}
}

type flusher interface {
	Flush()
}
