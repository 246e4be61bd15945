package util

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds the number of concurrent holders. A Semaphore created with a count of zero never blocks.
type Semaphore struct {
	w *semaphore.Weighted
}

func NewSemaphore(count int) *Semaphore {
	if count <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{w: semaphore.NewWeighted(int64(count))}
}

// Acquire takes a slot, waiting for one to be released if necessary. It returns the context's error if
// the context is done first, in which case no slot is held.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.w == nil {
		return ctx.Err()
	}
	return s.w.Acquire(ctx, 1)
}

func (s *Semaphore) Release() {
	if s.w != nil {
		s.w.Release(1)
	}
}
