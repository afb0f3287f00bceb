package pkg

import "sync/atomic"

type AtomicBool struct {
	b atomic.Bool
}

func NewAtomicBool() *AtomicBool {
	return &AtomicBool{}
}

func (b *AtomicBool) Store(value bool) {
	b.b.Store(value)
}

func (b *AtomicBool) Load() bool {
	return b.b.Load()
}

// CompareAndSwap stores new only if the current value is old, and
// reports whether the swap happened.
func (b *AtomicBool) CompareAndSwap(old, new bool) bool {
	return b.b.CompareAndSwap(old, new)
}
