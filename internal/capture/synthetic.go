package capture

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hylarana/hylarana/internal/clock"
	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/pkg/models"
)

// audioBlockMs is the PCM block duration the synthetic source produces; it
// matches one Opus frame.
const audioBlockMs = 20

// SyntheticSource generates a moving test pattern and a sine tone, paced to
// real time. It stands in for a platform grabber in demos and tests.
type SyntheticSource struct {
	video models.VideoDescriptor
	audio *models.AudioDescriptor

	mu        sync.Mutex
	closed    bool
	frameIdx  uint64
	nextVideo time.Time
	sampleIdx uint64
	nextAudio time.Time
}

// NewSynthetic creates a source producing the described video and, when the
// audio descriptor is non-nil, a 440Hz tone.
func NewSynthetic(video models.VideoDescriptor, audio *models.AudioDescriptor) (*SyntheticSource, error) {
	if media.FrameSize(video.Format, video.Width, video.Height) == 0 {
		return nil, fmt.Errorf("synthetic source: unsupported format %q", video.Format)
	}
	if video.FPS <= 0 {
		return nil, fmt.Errorf("synthetic source: fps %d", video.FPS)
	}
	now := time.Now()
	return &SyntheticSource{
		video:     video,
		audio:     audio,
		nextVideo: now,
		nextAudio: now,
	}, nil
}

// PollVideo blocks until the next frame interval and returns the frame,
// stamped with the shared monotonic clock at generation time.
func (s *SyntheticSource) PollVideo() (*media.VideoFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("synthetic video: %w", hyerrors.ErrClosed)
	}
	idx := s.frameIdx
	s.frameIdx++
	wakeAt := s.nextVideo
	s.nextVideo = wakeAt.Add(time.Second / time.Duration(s.video.FPS))
	s.mu.Unlock()

	if d := time.Until(wakeAt); d > 0 {
		time.Sleep(d)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("synthetic video: %w", hyerrors.ErrClosed)
	}

	frame := &media.VideoFrame{
		Format:    s.video.Format,
		Width:     s.video.Width,
		Height:    s.video.Height,
		Data:      make([]byte, media.FrameSize(s.video.Format, s.video.Width, s.video.Height)),
		Timestamp: clock.Now(),
	}
	s.paint(frame, idx)
	return frame, nil
}

// paint fills the frame with a gradient that scrolls one column per frame,
// so consecutive frames are distinct and deterministic per index.
func (s *SyntheticSource) paint(frame *media.VideoFrame, idx uint64) {
	shift := int(idx) % frame.Width
	switch frame.Format {
	case models.FormatBGRA, models.FormatRGBA:
		for y := 0; y < frame.Height; y++ {
			row := y * frame.Width * 4
			for x := 0; x < frame.Width; x++ {
				px := row + x*4
				v := byte((x + shift) * 255 / frame.Width)
				frame.Data[px] = v
				frame.Data[px+1] = byte(y * 255 / frame.Height)
				frame.Data[px+2] = 255 - v
				frame.Data[px+3] = 0xFF
			}
		}
	case models.FormatNV12, models.FormatI420:
		luma := frame.Width * frame.Height
		for y := 0; y < frame.Height; y++ {
			for x := 0; x < frame.Width; x++ {
				frame.Data[y*frame.Width+x] = byte((x + shift) * 255 / frame.Width)
			}
		}
		for i := luma; i < len(frame.Data); i++ {
			frame.Data[i] = 128 // neutral chroma
		}
	}
}

// PollAudio blocks until the next 20ms block boundary and returns the PCM.
func (s *SyntheticSource) PollAudio() (*media.AudioBlock, error) {
	s.mu.Lock()
	if s.closed || s.audio == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("synthetic audio: %w", hyerrors.ErrClosed)
	}
	desc := *s.audio
	start := s.sampleIdx
	samples := media.SamplesPer(desc.SampleRate, audioBlockMs)
	s.sampleIdx += uint64(samples)
	wakeAt := s.nextAudio
	s.nextAudio = wakeAt.Add(audioBlockMs * time.Millisecond)
	s.mu.Unlock()

	if d := time.Until(wakeAt); d > 0 {
		time.Sleep(d)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("synthetic audio: %w", hyerrors.ErrClosed)
	}

	pcm := make([]int16, samples*desc.Channels)
	const freq = 440.0
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(start+uint64(i))/float64(desc.SampleRate)))
		for ch := 0; ch < desc.Channels; ch++ {
			pcm[i*desc.Channels+ch] = v
		}
	}

	return &media.AudioBlock{
		SampleRate: desc.SampleRate,
		Channels:   desc.Channels,
		PCM:        pcm,
		Timestamp:  clock.Now(),
	}, nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
