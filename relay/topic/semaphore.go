package topic

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned by Acquire when the waiter line is at capacity.
// Callers surface this to the user instead of waiting without bound.
var ErrQueueFull = errors.New("semaphore waiter queue is full")

// Semaphore bounds global model-call concurrency. Up to maxConcurrent
// holders run at once; past that, up to maxWaiters callers line up in FIFO
// order, and everyone beyond that is turned away with ErrQueueFull.
type Semaphore struct {
	permits *semaphore.Weighted

	mu         sync.Mutex
	maxWaiters int
	waiting    int
	held       int
}

func NewSemaphore(maxConcurrent, maxWaiters int) *Semaphore {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxWaiters < 0 {
		maxWaiters = 0
	}
	return &Semaphore{
		permits:    semaphore.NewWeighted(int64(maxConcurrent)),
		maxWaiters: maxWaiters,
	}
}

// Acquire obtains a permit, joining the waiter line when all permits are
// held. Waiting is cancellable through ctx.
func (s *Semaphore) Acquire(ctx context.Context) error {
	// TryAcquire only succeeds when no one is already in line, so the fast
	// path cannot barge past waiters.
	if s.permits.TryAcquire(1) {
		s.mu.Lock()
		s.held++
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if s.waiting >= s.maxWaiters {
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.waiting++
	s.mu.Unlock()

	err := s.permits.Acquire(ctx, 1)

	s.mu.Lock()
	s.waiting--
	if err == nil {
		s.held++
	}
	s.mu.Unlock()
	return err
}

// Release returns a permit, waking the head waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.held--
	s.mu.Unlock()
	s.permits.Release(1)
}

// InFlight returns the number of permits currently held.
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Waiting returns the number of callers in line for a permit.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}
