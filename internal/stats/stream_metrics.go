// Package stats tracks real-time performance counters for the media
// pipelines.
package stats

import (
	"sync"
	"time"
)

// StreamMetrics tracks one pipeline's counters. The sender records capture,
// encode, and send; the receiver records decode and present. All methods are
// safe for concurrent use.
type StreamMetrics struct {
	mu sync.RWMutex

	FramesCaptured  uint64
	FramesEncoded   uint64
	FramesSent      uint64
	FramesSkipped   uint64
	FramesDropped   uint64
	FramesDecoded   uint64
	FramesPresented uint64
	GapsReported    uint64

	LastEncodeTime time.Duration
	LastFrameSize  int

	TotalBytesSent uint64
	startTime      time.Time
}

func New() *StreamMetrics {
	return &StreamMetrics{startTime: time.Now()}
}

func (m *StreamMetrics) RecordCapture() {
	m.mu.Lock()
	m.FramesCaptured++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordEncode(d time.Duration, size int) {
	m.mu.Lock()
	m.FramesEncoded++
	m.LastEncodeTime = d
	m.LastFrameSize = size
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordSend(size int) {
	m.mu.Lock()
	m.FramesSent++
	m.TotalBytesSent += uint64(size)
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordSkip() {
	m.mu.Lock()
	m.FramesSkipped++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordDrop() {
	m.mu.Lock()
	m.FramesDropped++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordDecode() {
	m.mu.Lock()
	m.FramesDecoded++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordPresent() {
	m.mu.Lock()
	m.FramesPresented++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordGap() {
	m.mu.Lock()
	m.GapsReported++
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of the metrics for logging.
type Snapshot struct {
	FramesCaptured  uint64
	FramesEncoded   uint64
	FramesSent      uint64
	FramesSkipped   uint64
	FramesDropped   uint64
	FramesDecoded   uint64
	FramesPresented uint64
	GapsReported    uint64
	EncodeMs        float64
	LastFrameSize   int
	BandwidthKBps   float64
	Uptime          time.Duration
}

func (m *StreamMetrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := float64(0)
	if uptime.Seconds() > 0 {
		bw = float64(m.TotalBytesSent) / uptime.Seconds() / 1024.0
	}

	return Snapshot{
		FramesCaptured:  m.FramesCaptured,
		FramesEncoded:   m.FramesEncoded,
		FramesSent:      m.FramesSent,
		FramesSkipped:   m.FramesSkipped,
		FramesDropped:   m.FramesDropped,
		FramesDecoded:   m.FramesDecoded,
		FramesPresented: m.FramesPresented,
		GapsReported:    m.GapsReported,
		EncodeMs:        float64(m.LastEncodeTime.Microseconds()) / 1000.0,
		LastFrameSize:   m.LastFrameSize,
		BandwidthKBps:   bw,
		Uptime:          uptime,
	}
}
