package render

import (
	"sync"
	"time"

	"github.com/hylarana/hylarana/internal/clock"
)

// resyncThresholdMicros is the audio/video drift beyond which the video
// schedule snaps back to the audio master clock.
const resyncThresholdMicros = 40_000

// lateBudgetMicros is how far past its target a frame may run before it is
// skipped instead of presented.
const lateBudgetMicros = 20_000

// presentationClock maps sender timestamps onto the local monotonic clock.
// The offset is chosen at session start with one latency of headroom to
// absorb jitter; afterwards the audio sink's presentation time is the master
// and video resyncs to it when drift exceeds the threshold.
type presentationClock struct {
	mu           sync.Mutex
	anchored     bool
	offsetMicros int64 // local = media timestamp + offset
	jitterMicros int64
}

func newPresentationClock(latency time.Duration) *presentationClock {
	return &presentationClock{jitterMicros: latency.Microseconds()}
}

func (c *presentationClock) anchorLocked(ts uint64) {
	c.offsetMicros = int64(clock.Now()) - int64(ts) + c.jitterMicros
	c.anchored = true
}

// targetFor returns the local presentation time for a media timestamp. The
// first caller anchors the clock; with audio absent, that is the first video
// frame.
func (c *presentationClock) targetFor(ts uint64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		c.anchorLocked(ts)
	}
	return int64(ts) + c.offsetMicros
}

// audioWritten tells the clock audio with the given timestamp just reached
// the sink. Audio is the master: drift beyond the threshold shifts the
// offset so video realigns.
func (c *presentationClock) audioWritten(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		c.anchorLocked(ts)
		return
	}
	expected := int64(ts) + c.offsetMicros
	drift := int64(clock.Now()) - expected
	if drift > resyncThresholdMicros || drift < -resyncThresholdMicros {
		c.offsetMicros += drift
	}
}

// decision is the scheduling outcome for one frame.
type decision int

const (
	decisionPresent decision = iota
	decisionSkip
)

// schedule waits until the frame's presentation time. Late frames are
// skipped; early frames wait. done aborts the wait.
func (c *presentationClock) schedule(ts uint64, done <-chan struct{}) decision {
	target := c.targetFor(ts)

	for {
		now := int64(clock.Now())
		if now > target+lateBudgetMicros {
			return decisionSkip
		}
		if now >= target {
			return decisionPresent
		}

		wait := time.Duration(target-now) * time.Microsecond
		if wait > 10*time.Millisecond {
			wait = 10 * time.Millisecond // re-check: audio may shift the offset
		}
		select {
		case <-done:
			return decisionSkip
		case <-time.After(wait):
		}
		target = c.targetFor(ts)
	}
}
