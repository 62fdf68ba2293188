package pool

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name string

	TotalQueries     uint64
	SlowQueries      uint64
	StatementErrors  uint64
	AverageQueryTime time.Duration

	// PeakConnections is the high-water mark of Total.
	PeakConnections int

	Available int
	Busy      int
	Opening   int
	Waiting   int
	Total     int
	Max       int

	Created   uint64
	Destroyed uint64
	Timeouts  uint64
}

// collector holds the running query counters. Lease/handle counters live
// under the pool mutex; query counters are updated by every statement and
// get their own lock so execution never contends with admission.
type collector struct {
	mu sync.Mutex

	totalQueries    uint64
	slowQueries     uint64
	statementErrors uint64

	// avgMillis is the incremental mean: avg' = avg + (sample-avg)/n.
	avgMillis float64
}

// record adds one statement sample and reports whether it was slow.
func (c *collector) record(d, slowThreshold time.Duration, failed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalQueries++
	sample := float64(d) / float64(time.Millisecond)
	c.avgMillis += (sample - c.avgMillis) / float64(c.totalQueries)

	if failed {
		c.statementErrors++
	}
	slow := slowThreshold > 0 && d >= slowThreshold
	if slow {
		c.slowQueries++
	}
	return slow
}

func (c *collector) fill(s *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.TotalQueries = c.totalQueries
	s.SlowQueries = c.slowQueries
	s.StatementErrors = c.statementErrors
	s.AverageQueryTime = time.Duration(c.avgMillis * float64(time.Millisecond))
}

// Stats returns a snapshot of the pool counters. It never fails, also
// after Close.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:            p.cfg.Name,
		PeakConnections: p.peak,
		Available:       len(p.available),
		Busy:            len(p.busy),
		Opening:         p.opening,
		Waiting:         p.waiters.Len(),
		Total:           p.totalLocked(),
		Max:             p.cfg.MaxConnections,
		Created:         p.created,
		Destroyed:       p.destroyed,
		Timeouts:        p.timeouts,
	}
	p.mu.Unlock()

	p.stats.fill(&s)
	return s
}
