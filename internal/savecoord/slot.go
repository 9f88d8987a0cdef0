package savecoord

import (
	"context"
	"sync"
)

// Slot is the token ensuring at most one save is in flight. It is safe for
// concurrent use.
type Slot struct {
	ch     chan struct{}
	mu     sync.Mutex
	holder string
}

// NewSlot creates a free slot
func NewSlot() *Slot {
	return &Slot{ch: make(chan struct{}, 1)}
}

// TryAcquire takes the slot if it is free
func (s *Slot) TryAcquire(holder string) bool {
	select {
	case s.ch <- struct{}{}:
		s.setHolder(holder)
		return true
	default:
		return false
	}
}

// Acquire waits for the slot until ctx is done
func (s *Slot) Acquire(ctx context.Context, holder string) error {
	select {
	case s.ch <- struct{}{}:
		s.setHolder(holder)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot. Releasing a free slot is a no-op.
func (s *Slot) Release() {
	s.setHolder("")
	select {
	case <-s.ch:
	default:
	}
}

// Holder returns who holds the slot, or "" when free
func (s *Slot) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}

func (s *Slot) setHolder(holder string) {
	s.mu.Lock()
	s.holder = holder
	s.mu.Unlock()
}
