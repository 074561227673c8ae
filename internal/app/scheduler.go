package app

import (
	"sync"
	"time"
)

// DefaultGateInterval is the minimum spacing between recognition dispatches
// for one camera.
const DefaultGateInterval = time.Second

// Scheduler rate-limits recognition dispatch per camera. It is shared by all
// controllers; access is serialized per camera, never globally.
type Scheduler struct {
	interval time.Duration
	entries  sync.Map // camera id -> *gateEntry
}

type gateEntry struct {
	mu    sync.Mutex
	fired bool
	last  time.Time
}

// NewScheduler creates a Scheduler. Intervals less than or equal to 0 fall
// back to DefaultGateInterval.
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultGateInterval
	}
	return &Scheduler{interval: interval}
}

// Interval returns the gating interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Gate reports whether cameraID may dispatch at now. It returns true for the
// first call and then at most once per interval, recording now when it does.
func (s *Scheduler) Gate(cameraID int, now time.Time) bool {
	v, _ := s.entries.LoadOrStore(cameraID, &gateEntry{})
	e := v.(*gateEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fired && now.Sub(e.last) < s.interval {
		return false
	}
	e.fired = true
	e.last = now
	return true
}

// Remove forgets the last-fire time of cameraID.
func (s *Scheduler) Remove(cameraID int) {
	s.entries.Delete(cameraID)
}
