package topic

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSemaphoreCapsConcurrency verifies no more than maxConcurrent permits
// are ever held at once.
func TestSemaphoreCapsConcurrency(t *testing.T) {
	sem := NewSemaphore(2, 100)
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sem.Acquire(ctx))
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			sem.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
	assert.Equal(t, 0, sem.InFlight())
	assert.Equal(t, 0, sem.Waiting())
}

// TestSemaphoreRejectsWhenLineFull verifies the bounded waiter queue turns
// away overflow instead of queueing it.
func TestSemaphoreRejectsWhenLineFull(t *testing.T) {
	sem := NewSemaphore(1, 1)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- sem.Acquire(ctx)
	}()
	require.Eventually(t, func() bool {
		return sem.Waiting() == 1
	}, 2*time.Second, time.Millisecond)

	// The line is full now: the next caller is rejected immediately.
	err := sem.Acquire(ctx)
	require.ErrorIs(t, err, ErrQueueFull)

	// Releasing hands the permit to the queued waiter.
	sem.Release()
	select {
	case err := <-waiterDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the permit")
	}
	sem.Release()
}

// TestSemaphoreWaitIsCancellable verifies a queued waiter unblocks when its
// context is cancelled.
func TestSemaphoreWaitIsCancellable(t *testing.T) {
	sem := NewSemaphore(1, 10)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- sem.Acquire(ctx)
	}()
	require.Eventually(t, func() bool {
		return sem.Waiting() == 1
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-waiterDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	assert.Equal(t, 0, sem.Waiting())
	assert.Equal(t, 1, sem.InFlight())
	sem.Release()
}

func TestSemaphoreZeroWaiters(t *testing.T) {
	sem := NewSemaphore(1, 0)
	require.NoError(t, sem.Acquire(context.Background()))

	err := sem.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)
	sem.Release()
}
