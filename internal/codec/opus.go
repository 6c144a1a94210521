package codec

import (
	"fmt"
	"sync"

	opus "gopkg.in/hraban/opus.v2"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/pkg/models"
)

// maxOpusPacket bounds one encoded Opus packet; the recommended ceiling for
// a single frame is well under this.
const maxOpusPacket = 4000

// opusEncoder wraps the libopus binding behind the AudioEncoder surface.
// Blocks must be whole Opus frames (the feeder supplies 20ms blocks).
type opusEncoder struct {
	mu      sync.Mutex
	desc    models.AudioDescriptor
	enc     *opus.Encoder
	pending []*EncodedUnit
}

// NewOpusEncoder creates the default audio encoder.
func NewOpusEncoder(desc models.AudioDescriptor) (AudioEncoder, error) {
	e := &opusEncoder{}
	if err := e.Configure(desc); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *opusEncoder) Configure(desc models.AudioDescriptor) error {
	if err := validateAudio(desc); err != nil {
		return err
	}
	enc, err := opus.NewEncoder(desc.SampleRate, desc.Channels, opus.AppRestrictedLowdelay)
	if err != nil {
		return hyerrors.NewCodecFailure("create opus encoder", err)
	}
	if desc.BitRate > 0 {
		if err := enc.SetBitrate(desc.BitRate); err != nil {
			return hyerrors.NewCodecFailure("set opus bitrate", err)
		}
	}

	e.mu.Lock()
	e.desc = desc
	e.enc = enc
	e.pending = e.pending[:0]
	e.mu.Unlock()
	return nil
}

func (e *opusEncoder) Submit(block *media.AudioBlock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return ErrNotConfigured
	}
	if len(block.PCM)%e.desc.Channels != 0 {
		return hyerrors.NewCodecFailure("opus submit",
			fmt.Errorf("pcm length %d not aligned to %d channels", len(block.PCM), e.desc.Channels))
	}

	buf := make([]byte, maxOpusPacket)
	n, err := e.enc.Encode(block.PCM, buf)
	if err != nil {
		return hyerrors.NewCodecFailure("opus encode", err)
	}
	e.pending = append(e.pending, &EncodedUnit{
		Data:      buf[:n],
		Timestamp: block.Timestamp,
	})
	return nil
}

func (e *opusEncoder) Drain() (*EncodedUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil, nil
	}
	unit := e.pending[0]
	e.pending = e.pending[1:]
	return unit, nil
}

func (e *opusEncoder) Reset() error {
	e.mu.Lock()
	desc := e.desc
	e.mu.Unlock()
	return e.Configure(desc)
}

func (e *opusEncoder) Close() error { return nil }
func (e *opusEncoder) Name() string { return "opus" }

// opusDecoder wraps the libopus decoder behind the AudioDecoder surface.
type opusDecoder struct {
	mu      sync.Mutex
	desc    models.AudioDescriptor
	dec     *opus.Decoder
	pending []*media.AudioBlock
}

// NewOpusDecoder creates the default audio decoder.
func NewOpusDecoder(desc models.AudioDescriptor) (AudioDecoder, error) {
	d := &opusDecoder{}
	if err := d.Configure(desc); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *opusDecoder) Configure(desc models.AudioDescriptor) error {
	if err := validateAudio(desc); err != nil {
		return err
	}
	dec, err := opus.NewDecoder(desc.SampleRate, desc.Channels)
	if err != nil {
		return hyerrors.NewCodecFailure("create opus decoder", err)
	}

	d.mu.Lock()
	d.desc = desc
	d.dec = dec
	d.pending = d.pending[:0]
	d.mu.Unlock()
	return nil
}

func (d *opusDecoder) Submit(unit *EncodedUnit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return ErrNotConfigured
	}
	if len(unit.Data) == 0 {
		return nil // end-of-stream marker
	}

	// 120ms is the longest frame opus allows.
	pcm := make([]int16, d.desc.SampleRate*120/1000*d.desc.Channels)
	n, err := d.dec.Decode(unit.Data, pcm)
	if err != nil {
		return hyerrors.NewCodecFailure("opus decode", err)
	}
	d.pending = append(d.pending, &media.AudioBlock{
		SampleRate: d.desc.SampleRate,
		Channels:   d.desc.Channels,
		PCM:        pcm[:n*d.desc.Channels],
		Timestamp:  unit.Timestamp,
	})
	return nil
}

func (d *opusDecoder) Drain() (*media.AudioBlock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, nil
	}
	block := d.pending[0]
	d.pending = d.pending[1:]
	return block, nil
}

func (d *opusDecoder) Reset() error {
	d.mu.Lock()
	desc := d.desc
	d.mu.Unlock()
	return d.Configure(desc)
}

func (d *opusDecoder) Close() error { return nil }
func (d *opusDecoder) Name() string { return "opus" }
