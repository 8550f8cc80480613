// Package status tracks qpeer endpoint and pool activity for periodic
// diagnostic logging. It is purely observational: nothing here feeds back
// into pool or connection semantics.
package status

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quicmesh/qpeer/limiter"
)

// Monitor aggregates counters and per-peer bookkeeping for one Endpoint.
type Monitor struct {
	liveConnections atomic.Int64
	totalDials      atomic.Int64
	totalAccepts    atomic.Int64
	totalEvictions  atomic.Int64

	lastActivity sync.Map // peer identity (string) -> time.Time
	limiters     sync.Map // name (string) -> *limiter.SharedLimiter
}

// NewMonitor returns an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// DialStarted records an outbound dial attempt.
func (m *Monitor) DialStarted() {
	m.totalDials.Add(1)
}

// ConnectionEstablished records a newly live connection, outbound or
// inbound.
func (m *Monitor) ConnectionEstablished(inbound bool) {
	m.liveConnections.Add(1)
	if inbound {
		m.totalAccepts.Add(1)
	}
}

// ConnectionEvicted records a pool eviction.
func (m *Monitor) ConnectionEvicted() {
	m.liveConnections.Add(-1)
	m.totalEvictions.Add(1)
}

// Touch records activity for peer (keyed by its identity's string form).
func (m *Monitor) Touch(peer string) {
	m.lastActivity.Store(peer, time.Now())
}

// LastActivity reports how long ago peer was last touched, or false if
// never seen.
func (m *Monitor) LastActivity(peer string) (time.Duration, bool) {
	v, ok := m.lastActivity.Load(peer)
	if !ok {
		return 0, false
	}
	return time.Since(v.(time.Time)), true
}

// RegisterLimiter associates a named bandwidth limiter (e.g. a peer
// identity) so periodic logging can report its active rate.
func (m *Monitor) RegisterLimiter(name string, l *limiter.SharedLimiter) {
	m.limiters.Store(name, l)
}

// Snapshot is a point-in-time view of the counters, useful for tests.
type Snapshot struct {
	LiveConnections int64
	TotalDials      int64
	TotalAccepts    int64
	TotalEvictions  int64
}

// Snapshot returns the current counter values.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		LiveConnections: m.liveConnections.Load(),
		TotalDials:      m.totalDials.Load(),
		TotalAccepts:    m.totalAccepts.Load(),
		TotalEvictions:  m.totalEvictions.Load(),
	}
}

// StartPeriodicLogging starts a background goroutine that logs a summary
// line every interval until stop is closed. Opt-in: the library never
// starts this on its own.
func (m *Monitor) StartPeriodicLogging(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				snap := m.Snapshot()
				log.Printf("qpeer: live=%d dials=%d accepts=%d evictions=%d goroutines=%d heap=%dMB",
					snap.LiveConnections, snap.TotalDials, snap.TotalAccepts, snap.TotalEvictions,
					runtime.NumGoroutine(), mem.HeapAlloc/1024/1024)

				m.limiters.Range(func(key, value interface{}) bool {
					name := key.(string)
					l, _ := value.(*limiter.SharedLimiter)
					if l == nil {
						return true
					}
					mbps := float64(l.ActiveRate()) / 1024 / 1024 * 8
					log.Printf("qpeer: peer %s current rate %.2f mbps (max %.2f mbps)",
						name, mbps, float64(l.MaxRate())/1024/1024*8)
					return true
				})
			}
		}
	}()
}
