// Package codec defines the capability surface the pipelines drive codecs
// through, and the backend registration hooks hardware implementations use.
// Backends are black-box transducers; the pipelines never see past these
// interfaces.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

var log = logging.L("codec")

var (
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrNotConfigured     = errors.New("codec not configured")
)

// EncodedUnit is one compressed access unit leaving an encoder or entering a
// decoder.
type EncodedUnit struct {
	Data      []byte
	Flags     packet.Flags
	Timestamp uint64
}

// VideoEncoder compresses raw frames into access units.
type VideoEncoder interface {
	Configure(desc models.VideoDescriptor) error
	Submit(frame *media.VideoFrame) error
	// Drain returns the next pending access unit, or nil when the encoder
	// has nothing buffered.
	Drain() (*EncodedUnit, error)
	RequestKeyFrame() error
	Reset() error
	Close() error
	Name() string
	IsHardware() bool
}

// VideoDecoder decompresses access units into raw frames.
type VideoDecoder interface {
	Configure(desc models.VideoDescriptor) error
	Submit(unit *EncodedUnit) error
	Drain() (*media.VideoFrame, error)
	Reset() error
	Close() error
	Name() string
}

// AudioEncoder compresses PCM blocks into audio packets.
type AudioEncoder interface {
	Configure(desc models.AudioDescriptor) error
	Submit(block *media.AudioBlock) error
	Drain() (*EncodedUnit, error)
	Reset() error
	Close() error
	Name() string
}

// AudioDecoder decompresses audio packets into PCM blocks.
type AudioDecoder interface {
	Configure(desc models.AudioDescriptor) error
	Submit(unit *EncodedUnit) error
	Drain() (*media.AudioBlock, error)
	Reset() error
	Close() error
	Name() string
}

type videoEncoderFactory func(desc models.VideoDescriptor) (VideoEncoder, error)

type videoDecoderFactory func(desc models.VideoDescriptor) (VideoDecoder, error)

var (
	factoriesMu      sync.Mutex
	hardwareEncoders []videoEncoderFactory
	hardwareDecoders []videoDecoderFactory
)

// RegisterHardwareEncoder installs a hardware encoder factory. Platform
// builds call this from init; factories are tried in registration order.
func RegisterHardwareEncoder(factory videoEncoderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	hardwareEncoders = append(hardwareEncoders, factory)
}

// RegisterHardwareDecoder installs a hardware decoder factory.
func RegisterHardwareDecoder(factory videoDecoderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	hardwareDecoders = append(hardwareDecoders, factory)
}

// NewVideoEncoder picks a hardware backend when one is registered and wanted,
// falling back to the built-in passthrough backend.
func NewVideoEncoder(desc models.VideoDescriptor, preferHardware bool) (VideoEncoder, error) {
	if err := validateVideo(desc); err != nil {
		return nil, err
	}
	if preferHardware {
		if enc := tryHardwareEncoder(desc); enc != nil {
			log.Info("using hardware video encoder", "backend", enc.Name())
			return enc, nil
		}
	}
	enc := newPassthroughVideoEncoder()
	if err := enc.Configure(desc); err != nil {
		return nil, err
	}
	return enc, nil
}

// NewVideoDecoder mirrors NewVideoEncoder for the receive side.
func NewVideoDecoder(desc models.VideoDescriptor, preferHardware bool) (VideoDecoder, error) {
	if err := validateVideo(desc); err != nil {
		return nil, err
	}
	if preferHardware {
		if dec := tryHardwareDecoder(desc); dec != nil {
			log.Info("using hardware video decoder", "backend", dec.Name())
			return dec, nil
		}
	}
	dec := newPassthroughVideoDecoder()
	if err := dec.Configure(desc); err != nil {
		return nil, err
	}
	return dec, nil
}

func tryHardwareEncoder(desc models.VideoDescriptor) VideoEncoder {
	factoriesMu.Lock()
	factories := append([]videoEncoderFactory(nil), hardwareEncoders...)
	factoriesMu.Unlock()
	for _, factory := range factories {
		enc, err := factory(desc)
		if err == nil && enc != nil {
			return enc
		}
	}
	return nil
}

func tryHardwareDecoder(desc models.VideoDescriptor) VideoDecoder {
	factoriesMu.Lock()
	factories := append([]videoDecoderFactory(nil), hardwareDecoders...)
	factoriesMu.Unlock()
	for _, factory := range factories {
		dec, err := factory(desc)
		if err == nil && dec != nil {
			return dec
		}
	}
	return nil
}

func validateVideo(desc models.VideoDescriptor) error {
	if !desc.Format.Valid() {
		return fmt.Errorf("%w: format %q", ErrInvalidDescriptor, desc.Format)
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidDescriptor, desc.Width, desc.Height)
	}
	if desc.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", ErrInvalidDescriptor, desc.FPS)
	}
	return nil
}

func validateAudio(desc models.AudioDescriptor) error {
	switch desc.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidDescriptor, desc.SampleRate)
	}
	if desc.Channels != 1 && desc.Channels != 2 {
		return fmt.Errorf("%w: channels %d", ErrInvalidDescriptor, desc.Channels)
	}
	return nil
}
