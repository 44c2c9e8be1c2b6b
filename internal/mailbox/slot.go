// Package mailbox provides a single-slot, latest-wins handoff between one or
// more producers and a single consumer.
//
// A Slot never queues: Put overwrites whatever is unconsumed and counts the
// overwrite as a drop. Memory is bounded to one item regardless of how far
// the consumer falls behind.
package mailbox

import (
	"sync/atomic"
)

// State is the scheduling state of a slot as seen by its consumer.
type State int32

const (
	// Idle: no item waiting, consumer not working on one.
	Idle State = iota
	// Queued: an item is waiting to be taken.
	Queued
	// Processing: the consumer took an item and has not called Done yet.
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of slot counters.
type Stats struct {
	State     State  `json:"state"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Consumed  uint64 `json:"consumed"`
}

// Slot is a latest-wins mailbox holding at most one item.
//
// Architecture:
//   - Single optional slot (atomic.Pointer), swapped on Put and Take
//   - Overwrite policy: an unconsumed item is replaced and counted as dropped
//   - Wake channel (capacity 1) shared with the consumer's other slots
//
// Thread-safety:
//   - Put: safe for concurrent producers (lock-free swap)
//   - Take/Done: single consumer only
type Slot[T any] struct {
	item  atomic.Pointer[T]
	state atomic.Int32
	wake  chan struct{}

	closed atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
	consumed  atomic.Uint64
}

// New creates a slot that signals wake on every Put. wake may be nil, and
// may be shared by several slots feeding the same consumer.
func New[T any](wake chan struct{}) *Slot[T] {
	return &Slot[T]{wake: wake}
}

// NewWake returns a wake channel suitable for New.
func NewWake() chan struct{} {
	return make(chan struct{}, 1)
}

// Put stores v, replacing any unconsumed item.
//
// Returns true when an unconsumed item was overwritten. Put on a closed
// slot is a no-op returning false.
//
// Latency: O(1), never blocks.
func (s *Slot[T]) Put(v T) bool {
	if s.closed.Load() {
		return false
	}

	s.published.Add(1)
	old := s.item.Swap(&v)
	if old != nil {
		s.dropped.Add(1)
	}

	for {
		cur := s.state.Load()
		if State(cur) == Processing || s.state.CompareAndSwap(cur, int32(Queued)) {
			break
		}
	}

	if s.wake != nil {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return old != nil
}

// Take removes the waiting item, if any, and moves the slot to Processing.
// The consumer must call Done once it has finished with the item.
func (s *Slot[T]) Take() (T, bool) {
	var zero T
	if s.closed.Load() {
		return zero, false
	}

	p := s.item.Swap(nil)
	if p == nil {
		return zero, false
	}

	s.state.Store(int32(Processing))
	s.consumed.Add(1)
	return *p, true
}

// Done marks the end of processing. The slot returns to Idle, or to Queued
// if a newer item arrived in the meantime.
func (s *Slot[T]) Done() {
	s.state.Store(int32(Idle))
	if s.item.Load() != nil {
		s.state.CompareAndSwap(int32(Idle), int32(Queued))
	}
}

// Pending reports whether an item is waiting.
func (s *Slot[T]) Pending() bool {
	return s.item.Load() != nil
}

// State returns the current scheduling state.
func (s *Slot[T]) State() State {
	return State(s.state.Load())
}

// Close discards any waiting item and makes further Put calls no-ops.
// Idempotent.
func (s *Slot[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.item.Store(nil)
	s.state.Store(int32(Idle))
}

// Reset discards any waiting item without closing the slot.
func (s *Slot[T]) Reset() {
	if s.item.Swap(nil) != nil && s.state.Load() == int32(Queued) {
		s.state.CompareAndSwap(int32(Queued), int32(Idle))
	}
}

// Stats returns a snapshot of the slot counters.
func (s *Slot[T]) Stats() Stats {
	return Stats{
		State:     s.State(),
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Consumed:  s.consumed.Load(),
	}
}
