package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylarana/hylarana/internal/clock"
	"github.com/hylarana/hylarana/internal/media"
	"github.com/hylarana/hylarana/internal/stats"
)

func frameAt(ts uint64) *media.VideoFrame {
	return &media.VideoFrame{Width: 2, Height: 2, Data: []byte{1, 2, 3, 4}, Timestamp: ts}
}

func TestFirstFrameAnchorsAndPresents(t *testing.T) {
	surface := &NullSurface{}
	r := New(surface, nil, 10*time.Millisecond, stats.New())
	defer r.Close()

	require.NoError(t, r.PresentVideo(frameAt(clock.Now())))
	assert.Equal(t, uint64(1), surface.Frames())
}

func TestLateFrameSkipped(t *testing.T) {
	surface := &NullSurface{}
	m := stats.New()
	r := New(surface, nil, 5*time.Millisecond, m)
	defer r.Close()

	now := clock.Now()
	require.NoError(t, r.PresentVideo(frameAt(now)))

	// A frame stamped far in the past relative to the anchor is skipped.
	require.NoError(t, r.PresentVideo(frameAt(now-500_000)))
	assert.Equal(t, uint64(1), surface.Frames())
	assert.Equal(t, uint64(1), m.Snapshot().FramesSkipped)
}

func TestEarlyFrameWaits(t *testing.T) {
	surface := &NullSurface{}
	r := New(surface, nil, 0, stats.New())
	defer r.Close()

	now := clock.Now()
	require.NoError(t, r.PresentVideo(frameAt(now)))

	// 60ms in the future: present must block roughly that long.
	start := time.Now()
	require.NoError(t, r.PresentVideo(frameAt(now+60_000)))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, uint64(2), surface.Frames())
}

func TestAudioDrivesMasterClock(t *testing.T) {
	surface := &NullSurface{}
	sink := &NullSink{}
	r := New(surface, sink, 0, stats.New())
	defer r.Close()

	now := clock.Now()
	require.NoError(t, r.PlayAudio(&media.AudioBlock{SampleRate: 48000, Channels: 1, PCM: make([]int16, 960), Timestamp: now}))
	assert.Equal(t, uint64(960), sink.Samples())

	// Video at the same media time presents without waiting: the audio
	// anchor places it in the past but inside the late budget.
	start := time.Now()
	require.NoError(t, r.PresentVideo(frameAt(now)))
	assert.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestAudioResyncShiftsVideoSchedule(t *testing.T) {
	c := newPresentationClock(0)

	base := clock.Now()
	c.audioWritten(base) // anchor: offset ~ 0

	before := c.targetFor(base + 1000)

	// Audio stamped 100ms in the future arriving now means the media clock
	// runs ahead of us; drift exceeds the threshold and shifts the offset.
	c.audioWritten(base + 100_000)
	after := c.targetFor(base + 1000)
	assert.Less(t, after, before, "offset must shift toward the audio master")
}

func TestCloseAbortsScheduling(t *testing.T) {
	surface := &NullSurface{}
	r := New(surface, nil, 0, stats.New())

	now := clock.Now()
	require.NoError(t, r.PresentVideo(frameAt(now)))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err := r.PresentVideo(frameAt(now + 1_000_000))
	assert.Error(t, err)
}

func TestNilSinksAreNoOps(t *testing.T) {
	r := New(nil, nil, 0, stats.New())
	defer r.Close()
	assert.NoError(t, r.PresentVideo(frameAt(1)))
	assert.NoError(t, r.PlayAudio(&media.AudioBlock{Timestamp: 1}))
}
