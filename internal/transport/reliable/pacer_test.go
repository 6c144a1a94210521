package reliable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerUnlimited(t *testing.T) {
	p := newPacer(-1)
	done := make(chan struct{})
	start := time.Now()
	for i := 0; i < 1000; i++ {
		assert.True(t, p.wait(1500, done))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacerZeroRateTreatedAsUnlimited(t *testing.T) {
	p := newPacer(0)
	done := make(chan struct{})
	assert.True(t, p.wait(1<<20, done))
}

func TestPacerMetersRate(t *testing.T) {
	// 100 KB/s with a 10 KB burst: 30 KB costs at least ~200ms beyond the
	// burst credit.
	p := newPacer(100_000)
	done := make(chan struct{})

	start := time.Now()
	for sent := 0; sent < 30_000; sent += 1500 {
		assert.True(t, p.wait(1500, done))
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "pacer let 30KB through in %s", elapsed)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPacerInterruptedByClose(t *testing.T) {
	p := newPacer(1000) // 1 KB/s: a 100 KB ask would take ~100s
	done := make(chan struct{})
	close(done)
	assert.False(t, p.wait(100_000, done))
}
