package elbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	defer leaktest.Check(t)()

	p := NewWorkerPool(3)
	assert.Equal(t, 3, p.Size())

	var (
		n  atomic.Int32
		wg sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 50, n.Load())

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
	assert.False(t, p.TrySubmit(func() {}))
	require.NoError(t, p.Close())
}

func TestWorkerPoolDefaultSize(t *testing.T) {
	defer leaktest.Check(t)()

	p := NewWorkerPool(0)
	defer p.Close()
	assert.Equal(t, DefaultWorkers, p.Size())
}

func TestWorkerPoolBusy(t *testing.T) {
	defer leaktest.Check(t)()

	p := NewWorkerPool(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	assert.False(t, p.TrySubmit(func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool {
		return p.TrySubmit(func() {})
	}, time.Second, time.Millisecond)
}

func TestWorkerPoolPanic(t *testing.T) {
	defer leaktest.Check(t)()

	p := NewWorkerPool(1)
	defer p.Close()

	recovered := make(chan any, 1)
	p.OnPanic(func(r any) { recovered <- r })

	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	assert.Equal(t, "boom", <-recovered)

	// The worker survives the panic.
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	<-done
}

func TestWorkerPoolCloseWaits(t *testing.T) {
	defer leaktest.Check(t)()

	p := NewWorkerPool(2)
	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}))
	<-started

	require.NoError(t, p.Close())
	assert.True(t, finished.Load())
}
