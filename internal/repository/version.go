package repository

import (
	"sync"
	"time"
)

// VersionClock issues version stamps for property rows. Stamps are epoch
// microseconds, strictly increasing within a process even when the wall clock
// stalls or steps backward, so per-row ordering reduces to comparing
// magnitudes. Tombstones negate a stamp; the magnitude keeps its place in
// history while the sign marks the row dead.
type VersionClock struct {
	mu   sync.Mutex
	last int64
}

// NewVersionClock returns a clock ready for use.
func NewVersionClock() *VersionClock {
	return &VersionClock{}
}

// Next returns a stamp strictly greater than every stamp issued before it.
func (c *VersionClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := time.Now().UnixMicro()
	if stamp <= c.last {
		stamp = c.last + 1
	}
	c.last = stamp
	return stamp
}
