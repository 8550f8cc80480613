// Package limiter provides optional per-connection bandwidth throttling for
// qpeer, adapted from a net.Conn byte-bucket wrapper into one that works
// directly over QUIC send/receive streams (io.Writer / io.Reader).
package limiter

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

const numBuckets = 5 // 5 one-second buckets for a 5-second rolling window

// timeBucket holds bytes transferred during a 1-second window.
type timeBucket struct {
	bytes     int64
	timestamp int64
}

// SharedLimiter throttles reads and writes across every stream that wraps
// it to a single aggregate byte rate, and tracks a rolling rate so status
// reporting (see qpeer/status) can show current throughput.
type SharedLimiter struct {
	bucket     *ratelimit.Bucket
	maxRate    int64
	buckets    [numBuckets]timeBucket
	currentIdx int64
	lastRotate int64
}

// New returns a limiter capped at bytesPerSec, or nil if bytesPerSec <= 0
// (the caller is expected to treat a nil *SharedLimiter as "unlimited").
func New(bytesPerSec int64) *SharedLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	now := time.Now().Unix()
	l := &SharedLimiter{
		bucket:  ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec),
		maxRate: bytesPerSec,
	}
	for i := range l.buckets {
		atomic.StoreInt64(&l.buckets[i].timestamp, now)
	}
	return l
}

func (l *SharedLimiter) recordBytes(n int64) {
	if l == nil || n <= 0 {
		return
	}
	now := time.Now().Unix()
	last := atomic.LoadInt64(&l.lastRotate)
	if now > last && atomic.CompareAndSwapInt64(&l.lastRotate, last, now) {
		next := (atomic.LoadInt64(&l.currentIdx) + 1) % numBuckets
		atomic.StoreInt64(&l.currentIdx, next)
		atomic.StoreInt64(&l.buckets[next].bytes, 0)
		atomic.StoreInt64(&l.buckets[next].timestamp, now)
	}
	idx := atomic.LoadInt64(&l.currentIdx)
	atomic.AddInt64(&l.buckets[idx].bytes, n)
}

// ActiveRate returns the approximate current throughput in bytes/sec over
// the trailing window.
func (l *SharedLimiter) ActiveRate() int64 {
	if l == nil {
		return 0
	}
	now := time.Now().Unix()
	cutoff := now - numBuckets
	var total int64
	oldest := now
	for i := 0; i < numBuckets; i++ {
		ts := atomic.LoadInt64(&l.buckets[i].timestamp)
		if ts >= cutoff {
			total += atomic.LoadInt64(&l.buckets[i].bytes)
			if ts < oldest {
				oldest = ts
			}
		}
	}
	if d := now - oldest; d > 0 {
		return total / d
	}
	return 0
}

// MaxRate returns the configured ceiling in bytes/sec.
func (l *SharedLimiter) MaxRate() int64 {
	if l == nil {
		return 0
	}
	return l.maxRate
}

// WrapWriter throttles writes through w. A nil limiter returns w unchanged.
func (l *SharedLimiter) WrapWriter(w io.Writer) io.Writer {
	if l == nil {
		return w
	}
	return &throttledWriter{w: w, l: l}
}

// WrapReader throttles reads through r. A nil limiter returns r unchanged.
func (l *SharedLimiter) WrapReader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &throttledReader{r: r, l: l}
}

type throttledWriter struct {
	w io.Writer
	l *SharedLimiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	t.l.bucket.Wait(int64(len(p)))
	n, err := t.w.Write(p)
	if n > 0 {
		t.l.recordBytes(int64(n))
	}
	return n, err
}

type throttledReader struct {
	r io.Reader
	l *SharedLimiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.l.bucket.Wait(int64(n))
		t.l.recordBytes(int64(n))
	}
	return n, err
}
