package scheduler

import "context"

// semaphore is a counting semaphore bounding in-flight requests.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	return &semaphore{ch: make(chan struct{}, max(1, n))}
}

// acquire blocks until a slot is free or ctx is done. Returns false if ctx
// ended first.
func (s *semaphore) acquire(ctx context.Context) bool {
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *semaphore) release() { <-s.ch }

func (s *semaphore) capacity() int { return cap(s.ch) }
