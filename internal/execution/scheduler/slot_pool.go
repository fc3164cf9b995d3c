// Package scheduler admits jobs onto a fixed pool of worker slots, queueing
// overflow in FIFO order and enforcing per-job deadlines.
package scheduler

import "sync/atomic"

// SlotPool is a fixed-size counter of busy worker slots.
type SlotPool struct {
	size int64
	busy atomic.Int64
}

// NewSlotPool creates a pool with size slots; size below one becomes one.
func NewSlotPool(size int) *SlotPool {
	if size < 1 {
		size = 1
	}
	return &SlotPool{size: int64(size)}
}

// TryAcquire takes a slot without blocking.
func (p *SlotPool) TryAcquire() bool {
	for {
		cur := p.busy.Load()
		if cur >= p.size {
			return false
		}
		if p.busy.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot. Releasing an idle pool is a no-op.
func (p *SlotPool) Release() {
	for {
		cur := p.busy.Load()
		if cur <= 0 {
			return
		}
		if p.busy.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Busy returns the number of slots in use.
func (p *SlotPool) Busy() int {
	return int(p.busy.Load())
}

// Size returns the pool capacity.
func (p *SlotPool) Size() int {
	return int(p.size)
}
