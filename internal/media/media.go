// Package media defines the raw frame and sample types flowing between
// capture, codecs, and rendering.
package media

import "github.com/hylarana/hylarana/pkg/models"

// VideoFrame is one uncompressed frame. Timestamp is monotonic microseconds
// stamped at capture time, shared with audio.
type VideoFrame struct {
	Format    models.VideoFormat
	Width     int
	Height    int
	Data      []byte
	Timestamp uint64
}

// AudioBlock is one block of interleaved PCM samples, typically 20ms.
type AudioBlock struct {
	SampleRate int
	Channels   int
	PCM        []int16
	Timestamp  uint64
}

// FrameSize returns the byte size of one frame in the given format, or 0 for
// unknown formats.
func FrameSize(format models.VideoFormat, width, height int) int {
	switch format {
	case models.FormatBGRA, models.FormatRGBA:
		return width * height * 4
	case models.FormatNV12, models.FormatI420:
		return width * height * 3 / 2
	default:
		return 0
	}
}

// SamplesPer returns the per-channel sample count of a block of the given
// duration in milliseconds.
func SamplesPer(sampleRate, durationMs int) int {
	return sampleRate * durationMs / 1000
}
