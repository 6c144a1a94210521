package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/internal/packet"
	"github.com/hylarana/hylarana/pkg/models"
)

// The passthrough backend frames raw video untouched. Every unit is
// self-contained, so each one carries the key-frame flag; a small config
// header declaring the geometry precedes the first frame and follows every
// key-frame request, which keeps the flag contract identical to a real
// compressed backend.

// configHeader layout: format len u8 + format + width u16 + height u16 + fps u16.
func encodeConfigHeader(desc models.VideoDescriptor) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, byte(len(desc.Format)))
	buf = append(buf, desc.Format...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(desc.Width))
	buf = binary.BigEndian.AppendUint16(buf, uint16(desc.Height))
	return binary.BigEndian.AppendUint16(buf, uint16(desc.FPS))
}

func decodeConfigHeader(data []byte) (models.VideoDescriptor, error) {
	var desc models.VideoDescriptor
	if len(data) < 1 {
		return desc, fmt.Errorf("config header: %w", hyerrors.ErrTruncated)
	}
	n := int(data[0])
	if len(data) < 1+n+6 {
		return desc, fmt.Errorf("config header: %w", hyerrors.ErrTruncated)
	}
	desc.Format = models.VideoFormat(data[1 : 1+n])
	desc.Width = int(binary.BigEndian.Uint16(data[1+n : 3+n]))
	desc.Height = int(binary.BigEndian.Uint16(data[3+n : 5+n]))
	desc.FPS = int(binary.BigEndian.Uint16(data[5+n : 7+n]))
	return desc, nil
}

type passthroughVideoEncoder struct {
	mu         sync.Mutex
	desc       models.VideoDescriptor
	configured bool
	sendConfig bool
	pending    []*EncodedUnit
}

func newPassthroughVideoEncoder() *passthroughVideoEncoder {
	return &passthroughVideoEncoder{}
}

func (e *passthroughVideoEncoder) Configure(desc models.VideoDescriptor) error {
	if err := validateVideo(desc); err != nil {
		return err
	}
	e.mu.Lock()
	e.desc = desc
	e.configured = true
	e.sendConfig = true
	e.pending = e.pending[:0]
	e.mu.Unlock()
	return nil
}

func (e *passthroughVideoEncoder) Submit(frame *media.VideoFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.configured {
		return ErrNotConfigured
	}
	if want := media.FrameSize(e.desc.Format, e.desc.Width, e.desc.Height); want != 0 && len(frame.Data) != want {
		return hyerrors.NewCodecFailure("passthrough submit",
			fmt.Errorf("frame size %d does not match %s %dx%d", len(frame.Data), e.desc.Format, e.desc.Width, e.desc.Height))
	}

	if e.sendConfig {
		e.sendConfig = false
		e.pending = append(e.pending, &EncodedUnit{
			Data:      encodeConfigHeader(e.desc),
			Flags:     packet.FlagConfigHeader,
			Timestamp: frame.Timestamp,
		})
	}

	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	e.pending = append(e.pending, &EncodedUnit{
		Data:      data,
		Flags:     packet.FlagKeyFrame,
		Timestamp: frame.Timestamp,
	})
	return nil
}

func (e *passthroughVideoEncoder) Drain() (*EncodedUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil, nil
	}
	unit := e.pending[0]
	e.pending = e.pending[1:]
	return unit, nil
}

// RequestKeyFrame re-arms the config header; raw frames are key frames
// already.
func (e *passthroughVideoEncoder) RequestKeyFrame() error {
	e.mu.Lock()
	e.sendConfig = true
	e.mu.Unlock()
	return nil
}

func (e *passthroughVideoEncoder) Reset() error {
	e.mu.Lock()
	e.pending = e.pending[:0]
	e.sendConfig = true
	e.mu.Unlock()
	return nil
}

func (e *passthroughVideoEncoder) Close() error { return nil }

func (e *passthroughVideoEncoder) Name() string { return "passthrough" }

func (e *passthroughVideoEncoder) IsHardware() bool { return false }

type passthroughVideoDecoder struct {
	mu         sync.Mutex
	desc       models.VideoDescriptor
	configured bool
	pending    []*media.VideoFrame
}

func newPassthroughVideoDecoder() *passthroughVideoDecoder {
	return &passthroughVideoDecoder{}
}

func (d *passthroughVideoDecoder) Configure(desc models.VideoDescriptor) error {
	if err := validateVideo(desc); err != nil {
		return err
	}
	d.mu.Lock()
	d.desc = desc
	d.configured = true
	d.pending = d.pending[:0]
	d.mu.Unlock()
	return nil
}

func (d *passthroughVideoDecoder) Submit(unit *EncodedUnit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}

	if unit.Flags.Has(packet.FlagConfigHeader) {
		desc, err := decodeConfigHeader(unit.Data)
		if err != nil {
			return hyerrors.NewCodecFailure("passthrough config", err)
		}
		d.desc.Format = desc.Format
		d.desc.Width = desc.Width
		d.desc.Height = desc.Height
		if desc.FPS > 0 {
			d.desc.FPS = desc.FPS
		}
		return nil
	}
	if unit.Flags.Has(packet.FlagEndOfStream) && len(unit.Data) == 0 {
		return nil
	}

	if want := media.FrameSize(d.desc.Format, d.desc.Width, d.desc.Height); want != 0 && len(unit.Data) != want {
		return hyerrors.NewCodecFailure("passthrough decode",
			fmt.Errorf("unit size %d does not match %s %dx%d", len(unit.Data), d.desc.Format, d.desc.Width, d.desc.Height))
	}

	data := make([]byte, len(unit.Data))
	copy(data, unit.Data)
	d.pending = append(d.pending, &media.VideoFrame{
		Format:    d.desc.Format,
		Width:     d.desc.Width,
		Height:    d.desc.Height,
		Data:      data,
		Timestamp: unit.Timestamp,
	})
	return nil
}

func (d *passthroughVideoDecoder) Drain() (*media.VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, nil
	}
	frame := d.pending[0]
	d.pending = d.pending[1:]
	return frame, nil
}

func (d *passthroughVideoDecoder) Reset() error {
	d.mu.Lock()
	d.pending = d.pending[:0]
	d.mu.Unlock()
	return nil
}

func (d *passthroughVideoDecoder) Close() error { return nil }
func (d *passthroughVideoDecoder) Name() string { return "passthrough" }
