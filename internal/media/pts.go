// Package media holds the capture-side timing primitives: the PTS
// synchronizer and the external audio buffer pool.
package media

import (
	"sync/atomic"
	"time"
)

// Synchronizer hands out capture timestamps for custom frames. Call
// GeneratePTS once per frame at capture time and carry the value through
// to the delivery call; variable preprocessing delay between the two does
// not break audio/video alignment because both sides share this clock.
type Synchronizer struct {
	start time.Time
	last  atomic.Int64
	now   func() time.Time
}

func NewSynchronizer() *Synchronizer {
	return newSynchronizer(time.Now)
}

func newSynchronizer(now func() time.Time) *Synchronizer {
	return &Synchronizer{start: now(), now: now}
}

// GeneratePTS returns milliseconds elapsed since the synchronizer was
// created. Returned values never decrease, even under concurrent callers.
func (s *Synchronizer) GeneratePTS() uint64 {
	for {
		now := int64(s.now().Sub(s.start) / time.Millisecond)
		prev := s.last.Load()
		if now <= prev {
			return uint64(prev)
		}
		if s.last.CompareAndSwap(prev, now) {
			return uint64(now)
		}
	}
}
