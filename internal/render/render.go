// Package render presents decoded frames on an opaque surface and pushes
// PCM into an opaque audio sink, aligning both on the shared capture clock.
package render

import (
	"fmt"
	"sync"
	"time"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/internal/stats"
)

var log = logging.L("render")

// Surface is the opaque video output. Present may block until VSYNC.
type Surface interface {
	Present(frame *media.VideoFrame) error
}

// AudioSink is the opaque audio output.
type AudioSink interface {
	Write(block *media.AudioBlock) error
}

// Renderer schedules decoded video against the presentation clock and feeds
// the audio sink, which defines the master clock.
type Renderer struct {
	surface Surface
	sink    AudioSink
	clock   *presentationClock
	metrics *stats.StreamMetrics

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a renderer. latency is the fixed offset absorbed at session
// open to ride out delivery jitter. surface and sink may each be nil when
// the stream lacks that substream.
func New(surface Surface, sink AudioSink, latency time.Duration, metrics *stats.StreamMetrics) *Renderer {
	return &Renderer{
		surface: surface,
		sink:    sink,
		clock:   newPresentationClock(latency),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// PresentVideo schedules one decoded frame: present at its timestamp, skip
// if the deadline already passed.
func (r *Renderer) PresentVideo(frame *media.VideoFrame) error {
	if r.surface == nil {
		return nil
	}
	select {
	case <-r.done:
		return fmt.Errorf("renderer: %w", hyerrors.ErrClosed)
	default:
	}

	if r.clock.schedule(frame.Timestamp, r.done) == decisionSkip {
		r.metrics.RecordSkip()
		log.Debug("skipping late frame", "ts", frame.Timestamp)
		return nil
	}
	if err := r.surface.Present(frame); err != nil {
		return fmt.Errorf("present frame: %w", err)
	}
	r.metrics.RecordPresent()
	return nil
}

// PlayAudio pushes one PCM block and advances the master clock.
func (r *Renderer) PlayAudio(block *media.AudioBlock) error {
	if r.sink == nil {
		return nil
	}
	select {
	case <-r.done:
		return fmt.Errorf("renderer: %w", hyerrors.ErrClosed)
	default:
	}

	if err := r.sink.Write(block); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	r.clock.audioWritten(block.Timestamp)
	return nil
}

// Close aborts pending schedule waits; later PresentVideo and PlayAudio calls
// return ErrClosed. The surface and sink are not released or closed.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	return nil
}

// NullSurface counts presented frames without displaying them. It backs the
// CLI receiver when no GPU surface is attached.
type NullSurface struct {
	mu     sync.Mutex
	frames uint64
	lastTS uint64
}

func (s *NullSurface) Present(frame *media.VideoFrame) error {
	s.mu.Lock()
	s.frames++
	s.lastTS = frame.Timestamp
	s.mu.Unlock()
	return nil
}

// Frames returns how many frames were presented.
func (s *NullSurface) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// NullSink discards PCM. It backs the CLI receiver when no audio device is
// attached.
type NullSink struct {
	mu      sync.Mutex
	samples uint64
}

func (s *NullSink) Write(block *media.AudioBlock) error {
	s.mu.Lock()
	s.samples += uint64(len(block.PCM))
	s.mu.Unlock()
	return nil
}

// Samples returns how many PCM samples were written.
func (s *NullSink) Samples() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}
