package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.RecordCapture()
	m.RecordCapture()
	m.RecordEncode(2*time.Millisecond, 4096)
	m.RecordSend(4096)
	m.RecordSkip()
	m.RecordDrop()
	m.RecordDecode()
	m.RecordPresent()
	m.RecordGap()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.FramesCaptured)
	assert.Equal(t, uint64(1), snap.FramesEncoded)
	assert.Equal(t, uint64(1), snap.FramesSent)
	assert.Equal(t, uint64(1), snap.FramesSkipped)
	assert.Equal(t, uint64(1), snap.FramesDropped)
	assert.Equal(t, uint64(1), snap.FramesDecoded)
	assert.Equal(t, uint64(1), snap.FramesPresented)
	assert.Equal(t, uint64(1), snap.GapsReported)
	assert.Equal(t, 4096, snap.LastFrameSize)
	assert.InDelta(t, 2.0, snap.EncodeMs, 0.01)
	assert.Greater(t, snap.BandwidthKBps, 0.0)
}

func TestConcurrentRecording(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.RecordSend(10)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), m.Snapshot().FramesSent)
}
