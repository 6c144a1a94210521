// Package packet implements the framed media packet crossing the transport:
// a fixed 14-byte network-order header multiplexing video and audio
// substreams, followed by one encoded access unit.
package packet

import (
	"encoding/binary"
	"fmt"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

// StreamKind identifies the substream a packet belongs to.
type StreamKind uint8

const (
	KindVideo StreamKind = 0
	KindAudio StreamKind = 1
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k StreamKind) valid() bool {
	return k == KindVideo || k == KindAudio
}

// Flags is the packet flag bit field.
type Flags uint8

const (
	// FlagKeyFrame marks a self-contained video access unit.
	FlagKeyFrame Flags = 1 << 0
	// FlagConfigHeader marks codec parameter sets. Config packets precede the
	// first decodable frame and are re-emitted after every key frame.
	FlagConfigHeader Flags = 1 << 1
	// FlagEndOfStream marks the final packet of a substream.
	FlagEndOfStream Flags = 1 << 2

	flagsReservedMask = ^Flags(FlagKeyFrame | FlagConfigHeader | FlagEndOfStream)
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Wire layout, network byte order:
//
//	1 byte  kind (0=video, 1=audio)
//	1 byte  flags (bit0 keyframe, bit1 config header, bit2 end of stream)
//	8 bytes timestamp, microseconds, unsigned
//	4 bytes payload length
//	N bytes payload
const (
	HeaderSize = 14

	// MaxPayload caps a single access unit on the wire.
	MaxPayload = 1 << 24
)

// MediaPacket is the unit crossing the transport. Timestamp is monotonic
// microseconds in the sender's clock domain, shared by audio and video,
// stamped at capture time.
type MediaPacket struct {
	Kind      StreamKind
	Flags     Flags
	Timestamp uint64
	Payload   []byte
}

// Encode appends the wire form of p to dst and returns the extended slice.
func Encode(dst []byte, p *MediaPacket) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, hyerrors.NewMalformedInput("encode packet",
			fmt.Errorf("payload %d exceeds max %d", len(p.Payload), MaxPayload))
	}
	if !p.Kind.valid() {
		return nil, hyerrors.NewMalformedInput("encode packet",
			fmt.Errorf("unknown stream kind %d", p.Kind))
	}

	dst = append(dst, byte(p.Kind), byte(p.Flags))
	dst = binary.BigEndian.AppendUint64(dst, p.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p.Payload)))
	dst = append(dst, p.Payload...)
	return dst, nil
}

// Decode parses one packet from buf. It returns the packet and the number of
// bytes consumed. A short buffer returns ErrTruncated; reserved flag bits or
// an invalid kind return MalformedInput.
func Decode(buf []byte) (*MediaPacket, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, fmt.Errorf("decode packet header: %w", hyerrors.ErrTruncated)
	}

	kind := StreamKind(buf[0])
	flags := Flags(buf[1])
	if !kind.valid() {
		return nil, 0, hyerrors.NewMalformedInput("decode packet",
			fmt.Errorf("unknown stream kind %d", kind))
	}
	if flags&flagsReservedMask != 0 {
		return nil, 0, hyerrors.NewMalformedInput("decode packet",
			fmt.Errorf("reserved flag bits set: %#02x", uint8(flags)))
	}

	length := binary.BigEndian.Uint32(buf[10:14])
	if length > MaxPayload {
		return nil, 0, hyerrors.NewMalformedInput("decode packet",
			fmt.Errorf("payload %d exceeds max %d", length, MaxPayload))
	}
	if len(buf) < HeaderSize+int(length) {
		return nil, 0, fmt.Errorf("decode packet payload: %w", hyerrors.ErrTruncated)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &MediaPacket{
		Kind:      kind,
		Flags:     flags,
		Timestamp: binary.BigEndian.Uint64(buf[2:10]),
		Payload:   payload,
	}, HeaderSize + int(length), nil
}

// EncodedSize returns the wire size of p.
func EncodedSize(p *MediaPacket) int {
	return HeaderSize + len(p.Payload)
}
