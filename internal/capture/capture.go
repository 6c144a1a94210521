// Package capture defines the pull interface the encoder feeder drains.
// Platform grabbers (compositor capture, system-audio loopback) implement
// Source behind this surface; the built-in synthetic source serves tests and
// demo streams.
package capture

import (
	"github.com/hylarana/hylarana/internal/media"
)

// Source supplies raw frames and PCM blocks. PollVideo and PollAudio may
// each block up to one frame interval and are called from separate
// goroutines. Both return ErrClosed after the stream ends.
type Source interface {
	PollVideo() (*media.VideoFrame, error)
	PollAudio() (*media.AudioBlock, error)
	Close() error
}
