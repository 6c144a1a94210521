package receiver

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylarana/hylarana/internal/capture"
	"github.com/hylarana/hylarana/internal/config"
	"github.com/hylarana/hylarana/internal/render"
	"github.com/hylarana/hylarana/internal/sender"
	"github.com/hylarana/hylarana/pkg/models"
)

// freePort grabs an ephemeral UDP port for a loopback pipeline.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func pipelineConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Name = "pipeline-test"
	cfg.Strategy = string(models.StrategyDirect)
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.VideoFormat = string(models.FormatBGRA)
	cfg.VideoWidth = 64
	cfg.VideoHeight = 36
	cfg.VideoFPS = 30
	cfg.AudioEnabled = false // keep the loopback test free of libopus
	cfg.LatencyMs = 120
	cfg.TimeoutMs = 5000
	require.False(t, cfg.Validate().HasFatals())
	return cfg
}

func description(cfg *config.Config, streamID string) *models.StreamDescription {
	return &models.StreamDescription{
		ID: streamID,
		Transport: models.TransportDescriptor{
			Strategy: models.TransportStrategy(cfg.Strategy),
			Addr:     cfg.Addr,
			Options:  cfg.TransportOptions(),
		},
		Video: cfg.VideoDescriptor(),
		Audio: cfg.AudioDescriptor(),
	}
}

func TestEndToEndDirectPipeline(t *testing.T) {
	cfg := pipelineConfig(t)

	source, err := capture.NewSynthetic(*cfg.VideoDescriptor(), nil)
	require.NoError(t, err)

	snd, err := sender.Start(cfg, source, nil, nil)
	require.NoError(t, err)
	defer snd.Stop()

	surface := &render.NullSurface{}
	recv, err := Start(cfg, description(cfg, snd.StreamID()), "127.0.0.1", surface, nil, nil)
	require.NoError(t, err)
	defer recv.Stop()

	// A decodable first frame must appear promptly after session open.
	require.Eventually(t, func() bool {
		return surface.Frames() > 0
	}, 5*time.Second, 20*time.Millisecond, "no frame presented")

	require.Eventually(t, func() bool {
		return surface.Frames() >= 10
	}, 5*time.Second, 20*time.Millisecond, "stream did not keep flowing")

	assert.Equal(t, sender.StateRunning, snd.State())
	assert.Equal(t, uint64(0), recv.Metrics().Snapshot().GapsReported)
}

func TestReceiverStopIsIdempotent(t *testing.T) {
	cfg := pipelineConfig(t)

	source, err := capture.NewSynthetic(*cfg.VideoDescriptor(), nil)
	require.NoError(t, err)

	snd, err := sender.Start(cfg, source, nil, nil)
	require.NoError(t, err)
	defer snd.Stop()

	var mu sync.Mutex
	closedCalls := 0
	recv, err := Start(cfg, description(cfg, snd.StreamID()), "127.0.0.1", &render.NullSurface{}, nil, func(error) {
		mu.Lock()
		closedCalls++
		mu.Unlock()
	})
	require.NoError(t, err)

	recv.Stop()
	recv.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closedCalls, "close callback must fire exactly once")
}

func TestSenderStopIsIdempotentAndReturnsToIdle(t *testing.T) {
	cfg := pipelineConfig(t)

	source, err := capture.NewSynthetic(*cfg.VideoDescriptor(), nil)
	require.NoError(t, err)

	snd, err := sender.Start(cfg, source, nil, nil)
	require.NoError(t, err)

	snd.Stop()
	snd.Stop()
	assert.Equal(t, sender.StateIdle, snd.State())
}

func TestResolveAddr(t *testing.T) {
	desc := &models.StreamDescription{
		Transport: models.TransportDescriptor{Strategy: models.StrategyDirect, Addr: "0.0.0.0:43165"},
	}
	assert.Equal(t, "192.168.1.9:43165", ResolveAddr(desc, "192.168.1.9"))
	assert.Equal(t, "0.0.0.0:43165", ResolveAddr(desc, ""))

	mc := &models.StreamDescription{
		Transport: models.TransportDescriptor{Strategy: models.StrategyMulticast, Addr: "239.0.0.1:43165"},
	}
	assert.Equal(t, "239.0.0.1:43165", ResolveAddr(mc, "192.168.1.9"))
}
