package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

func TestEncodeKnownBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, 128)
	p := &MediaPacket{
		Kind:      KindVideo,
		Flags:     FlagKeyFrame,
		Timestamp: 1000000,
		Payload:   payload,
	}

	wire, err := Encode(nil, p)
	require.NoError(t, err)
	require.Len(t, wire, 142)

	assert.Equal(t, byte(0x00), wire[0])
	assert.Equal(t, byte(0x01), wire[1])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x0F, 0x42, 0x40}, wire[2:10])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x80}, wire[10:14])
	assert.Equal(t, payload, wire[14:])
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  MediaPacket
	}{
		{"video keyframe", MediaPacket{KindVideo, FlagKeyFrame, 1000000, bytes.Repeat([]byte{0xAA}, 128)}},
		{"audio", MediaPacket{KindAudio, 0, 42, []byte{1, 2, 3}}},
		{"config header", MediaPacket{KindVideo, FlagConfigHeader, 0, []byte{0x67, 0x42}}},
		{"end of stream empty payload", MediaPacket{KindAudio, FlagEndOfStream, 1 << 40, nil}},
		{"all flags", MediaPacket{KindVideo, FlagKeyFrame | FlagConfigHeader | FlagEndOfStream, 7, []byte{9}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(nil, &tc.pkt)
			require.NoError(t, err)
			require.Equal(t, EncodedSize(&tc.pkt), len(wire))

			got, n, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, len(wire), n)
			assert.Equal(t, tc.pkt.Kind, got.Kind)
			assert.Equal(t, tc.pkt.Flags, got.Flags)
			assert.Equal(t, tc.pkt.Timestamp, got.Timestamp)
			if len(tc.pkt.Payload) == 0 {
				assert.Empty(t, got.Payload)
			} else {
				assert.Equal(t, tc.pkt.Payload, got.Payload)
			}
		})
	}
}

func TestDecodeConsumesExactly(t *testing.T) {
	first := &MediaPacket{Kind: KindVideo, Flags: FlagKeyFrame, Timestamp: 1, Payload: []byte{1, 2}}
	second := &MediaPacket{Kind: KindAudio, Timestamp: 2, Payload: []byte{3}}

	wire, err := Encode(nil, first)
	require.NoError(t, err)
	wire, err = Encode(wire, second)
	require.NoError(t, err)

	got1, n1, err := Decode(wire)
	require.NoError(t, err)
	got2, n2, err := Decode(wire[n1:])
	require.NoError(t, err)

	assert.Equal(t, len(wire), n1+n2)
	assert.Equal(t, KindVideo, got1.Kind)
	assert.Equal(t, KindAudio, got2.Kind)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	p := &MediaPacket{Kind: KindVideo, Payload: make([]byte, MaxPayload+1)}
	_, err := Encode(nil, p)
	require.Error(t, err)
	assert.True(t, hyerrors.IsMalformedInput(err))
}

func TestDecodeTruncated(t *testing.T) {
	wire, err := Encode(nil, &MediaPacket{Kind: KindVideo, Timestamp: 5, Payload: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	for _, cut := range []int{0, 1, HeaderSize - 1, HeaderSize, len(wire) - 1} {
		_, _, err := Decode(wire[:cut])
		require.Error(t, err, "cut=%d", cut)
		assert.True(t, hyerrors.IsTruncated(err), "cut=%d got %v", cut, err)
	}
}

func TestDecodeReservedFlags(t *testing.T) {
	wire, err := Encode(nil, &MediaPacket{Kind: KindVideo, Payload: []byte{1}})
	require.NoError(t, err)

	wire[1] |= 0x80
	_, _, derr := Decode(wire)
	require.Error(t, derr)
	assert.True(t, hyerrors.IsMalformedInput(derr))
}

func TestDecodeUnknownKind(t *testing.T) {
	wire, err := Encode(nil, &MediaPacket{Kind: KindAudio, Payload: []byte{1}})
	require.NoError(t, err)

	wire[0] = 7
	_, _, derr := Decode(wire)
	require.Error(t, derr)
	assert.True(t, hyerrors.IsMalformedInput(derr))
}
