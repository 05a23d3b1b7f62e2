package tsunami

import (
	"sync"
	"time"
)

// Bytes transferred over the trailing window, in one second buckets. Safe for concurrent use.
type rollingRate struct {
	mu      sync.Mutex
	buckets []int64
	// The second that buckets[last%len] accumulates.
	last  int64
	total int64
}

func newRollingRate(window time.Duration) *rollingRate {
	n := max(1, int((window+time.Second-1)/time.Second))
	return &rollingRate{buckets: make([]int64, n)}
}

// Discards buckets older than the window ending at sec.
func (me *rollingRate) advance(sec int64) {
	if sec <= me.last {
		return
	}
	n := int64(len(me.buckets))
	if sec-me.last >= n {
		clear(me.buckets)
	} else {
		for s := me.last + 1; s <= sec; s++ {
			me.buckets[s%n] = 0
		}
	}
	me.last = sec
}

func (me *rollingRate) Add(now time.Time, n int64) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.total += n
	sec := now.Unix()
	me.advance(sec)
	if sec < me.last-int64(len(me.buckets))+1 {
		// Too old to land in any bucket.
		return
	}
	me.buckets[sec%int64(len(me.buckets))] += n
}

// Bytes per second averaged over the window ending at now.
func (me *rollingRate) Rate(now time.Time) int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.advance(now.Unix())
	var sum int64
	for _, b := range me.buckets {
		sum += b
	}
	return sum / int64(len(me.buckets))
}

// Bytes ever added.
func (me *rollingRate) Total() int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.total
}
