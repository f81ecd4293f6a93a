package breaker

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// window 有界的结果窗口，内存占用与流量无关
type window interface {
	add(o Outcome)
	counts() Counts
	reset()
}

// countWindow 最近 N 次结果的环形缓冲
type countWindow struct {
	ring  []Outcome
	next  int
	full  bool
	total Counts
}

func newCountWindow(size int) *countWindow {
	return &countWindow{ring: make([]Outcome, size)}
}

func (w *countWindow) add(o Outcome) {
	if w.full {
		w.total.add(w.ring[w.next], -1)
	}
	w.ring[w.next] = o
	w.total.add(o, 1)
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.full = true
	}
}

func (w *countWindow) counts() Counts {
	return w.total
}

func (w *countWindow) reset() {
	w.next = 0
	w.full = false
	w.total = Counts{}
}

type timeBucket struct {
	start  time.Time
	counts Counts
}

// timeWindow 最近 T 时长内的结果，按桶滚动
// 过期桶在访问时惰性清理，不依赖后台协程
type timeWindow struct {
	clock   clockwork.Clock
	span    time.Duration
	width   time.Duration
	buckets []timeBucket
}

func newTimeWindow(clock clockwork.Clock, span time.Duration, buckets int) *timeWindow {
	if buckets <= 0 {
		buckets = 10
	}
	width := span / time.Duration(buckets)
	if width <= 0 {
		width = time.Millisecond
	}
	return &timeWindow{
		clock:   clock,
		span:    span,
		width:   width,
		buckets: make([]timeBucket, buckets),
	}
}

func (w *timeWindow) current() *timeBucket {
	now := w.clock.Now()
	start := now.Truncate(w.width)
	idx := int((start.UnixNano() / int64(w.width)) % int64(len(w.buckets)))
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		*b = timeBucket{start: start}
	}
	return b
}

func (w *timeWindow) add(o Outcome) {
	w.current().counts.add(o, 1)
}

func (w *timeWindow) counts() Counts {
	cutoff := w.clock.Now().Add(-w.span)
	var total Counts
	for _, b := range w.buckets {
		if b.start.IsZero() || !b.start.Add(w.width).After(cutoff) {
			continue
		}
		total.Requests += b.counts.Requests
		total.Failures += b.counts.Failures
		total.Timeouts += b.counts.Timeouts
		total.Successes += b.counts.Successes
	}
	return total
}

func (w *timeWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = timeBucket{}
	}
}
