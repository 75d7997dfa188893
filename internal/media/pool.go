package media

import (
	"sync"
	"time"
)

// Feed return codes below zero are precondition failures.
const (
	FeedErrDisabled  = -1 // Enable was not called (or both flags false)
	FeedErrBadFormat = -2 // sample rate / channel count out of range
)

// DefaultLowWaterMS is the recommended minimum buffered duration. Callers
// should feed more data whenever Feed reports less than this.
const DefaultLowWaterMS = 100

// Pool absorbs externally fed PCM destined for mixed playout/publish.
// Delivery intervals are rarely exact, so the pool tracks how far ahead
// of wall clock the fed audio reaches; the caller may wait up to the
// returned duration before the next feed without causing a gap.
type Pool struct {
	mu            sync.Mutex
	publish       bool
	playout       bool
	bufferedUntil time.Time
	lowWaterMS    int
	publishVol    int
	playoutVol    int
	now           func() time.Time
}

func NewPool(lowWaterMS int) *Pool {
	return newPool(lowWaterMS, time.Now)
}

func newPool(lowWaterMS int, now func() time.Time) *Pool {
	if lowWaterMS <= 0 {
		lowWaterMS = DefaultLowWaterMS
	}
	return &Pool{
		lowWaterMS: lowWaterMS,
		publishVol: 100,
		playoutVol: 100,
		now:        now,
	}
}

// Enable turns the external track on for publish and/or playout. Both
// false closes the track and drops whatever is buffered.
func (p *Pool) Enable(publish, playout bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = publish
	p.playout = playout
	if !publish && !playout {
		p.bufferedUntil = time.Time{}
	}
}

func (p *Pool) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publish || p.playout
}

// Feed appends one PCM frame and returns the buffered duration in ms.
// A value under the low-water mark means the caller should feed more
// data promptly; trending toward zero is the observable underrun signal.
func (p *Pool) Feed(durationMS int, formatOK bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.publish && !p.playout {
		return FeedErrDisabled
	}
	if !formatOK || durationMS <= 0 {
		return FeedErrBadFormat
	}
	now := p.now()
	if p.bufferedUntil.Before(now) {
		p.bufferedUntil = now
	}
	p.bufferedUntil = p.bufferedUntil.Add(time.Duration(durationMS) * time.Millisecond)
	return int(p.bufferedUntil.Sub(now) / time.Millisecond)
}

// BufferedMS reports the remaining buffered duration at this instant.
func (p *Pool) BufferedMS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	left := int(p.bufferedUntil.Sub(p.now()) / time.Millisecond)
	if left < 0 {
		return 0
	}
	return left
}

func (p *Pool) LowWaterMS() int { return p.lowWaterMS }

// SetVolumes adjusts publish/playout volume (0-100); -1 keeps the current
// value.
func (p *Pool) SetVolumes(publish, playout int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if publish >= 0 {
		p.publishVol = clampVolume(publish)
	}
	if playout >= 0 {
		p.playoutVol = clampVolume(playout)
	}
}

func (p *Pool) Volumes() (publish, playout int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishVol, p.playoutVol
}

// Reset returns the pool to its disabled zero state. Session teardown
// calls this.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = false
	p.playout = false
	p.bufferedUntil = time.Time{}
	p.publishVol = 100
	p.playoutVol = 100
}

func clampVolume(v int) int {
	if v > 100 {
		return 100
	}
	return v
}
