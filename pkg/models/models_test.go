package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServicePayloadRoundTrip(t *testing.T) {
	p := &ServicePayload{
		Targets: []string{"recv-1", "recv-2"},
		Name:    "office-pc",
		Kind:    KindLinux,
		Metadata: &ServiceMetadata{
			Port: 43165,
			Description: &StreamDescription{
				ID: "sender-7",
				Transport: TransportDescriptor{
					Strategy: StrategyDirect,
					Addr:     "192.168.1.10:43165",
					Options:  TransportOptions{MTU: 1500, MaxBandwidth: -1, Latency: 120, Timeout: 5000, FlowWindow: 32},
				},
				Video: &VideoDescriptor{Format: FormatNV12, Width: 1280, Height: 720, FPS: 30, BitRate: 4_000_000},
				Audio: &AudioDescriptor{SampleRate: 48000, Channels: 2, BitRate: 64_000},
			},
		},
	}

	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalServicePayload(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestNotStreamingPayloadOmitsMetadata(t *testing.T) {
	p := &ServicePayload{Name: "idle-node", Kind: KindApple}
	data, err := p.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "metadata")

	got, err := UnmarshalServicePayload(data)
	require.NoError(t, err)
	assert.Nil(t, got.Metadata)
}

func TestTargetedAt(t *testing.T) {
	broadcast := &ServicePayload{}
	assert.True(t, broadcast.TargetedAt("anyone"))

	scoped := &ServicePayload{Targets: []string{"a", "b"}}
	assert.True(t, scoped.TargetedAt("a"))
	assert.False(t, scoped.TargetedAt("c"))
}

func TestStrategyAndFormatValidation(t *testing.T) {
	assert.True(t, StrategyDirect.Valid())
	assert.True(t, StrategyRelay.Valid())
	assert.True(t, StrategyMulticast.Valid())
	assert.False(t, TransportStrategy("tcp").Valid())

	assert.True(t, FormatI420.Valid())
	assert.False(t, VideoFormat("yuyv").Valid())
}
