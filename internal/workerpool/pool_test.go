package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRun(t *testing.T) {
	p := New(4, 16)
	var ran atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int64(16), ran.Load())

	p.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)
}

func TestFullQueueRejects(t *testing.T) {
	p := New(1, 1)
	block := make(chan struct{})

	started := make(chan struct{})
	require.True(t, p.Submit(func() { close(started); <-block })) // occupies the worker
	<-started
	require.True(t, p.Submit(func() {})) // fills the queue

	rejected := false
	for i := 0; i < 10; i++ {
		if !p.Submit(func() {}) {
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "a full queue must reject")

	close(block)
	p.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)
}

func TestStoppedPoolRejects(t *testing.T) {
	p := New(1, 4)
	p.StopAccepting()
	assert.False(t, p.Submit(func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)
}

func TestDrainWaitsForInFlight(t *testing.T) {
	p := New(2, 8)
	var finished atomic.Int64

	for i := 0; i < 4; i++ {
		require.True(t, p.Submit(func() {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
		}))
	}

	p.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Drain(ctx)
	assert.Equal(t, int64(4), finished.Load())
}

func TestPanicRecovered(t *testing.T) {
	p := New(1, 4)
	var after atomic.Bool

	require.True(t, p.Submit(func() { panic("boom") }))
	require.Eventually(t, func() bool {
		if !p.Submit(func() { after.Store(true) }) {
			return false
		}
		return true
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return after.Load() }, time.Second, 5*time.Millisecond)

	p.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)
}
