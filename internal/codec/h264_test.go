package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hylarana/hylarana/internal/packet"
)

// Annex-B access units assembled from start codes and minimal NALUs.
func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nalu...)
	}
	return out
}

func TestAnnexBFlagsIDR(t *testing.T) {
	// SPS (type 7), PPS (type 8), IDR slice (type 5).
	au := annexB(
		[]byte{0x67, 0x42, 0x00, 0x1F},
		[]byte{0x68, 0xCE, 0x38, 0x80},
		[]byte{0x65, 0x88, 0x84, 0x00},
	)
	flags := AnnexBFlags(au)
	assert.True(t, flags.Has(packet.FlagKeyFrame))
	assert.True(t, flags.Has(packet.FlagConfigHeader))
}

func TestAnnexBFlagsNonIDR(t *testing.T) {
	// Non-IDR slice (type 1).
	au := annexB([]byte{0x41, 0x9A, 0x00, 0x00})
	flags := AnnexBFlags(au)
	assert.False(t, flags.Has(packet.FlagKeyFrame))
	assert.False(t, flags.Has(packet.FlagConfigHeader))
}

func TestAnnexBFlagsGarbage(t *testing.T) {
	assert.Equal(t, packet.Flags(0), AnnexBFlags([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	assert.Equal(t, packet.Flags(0), AnnexBFlags(nil))
}
