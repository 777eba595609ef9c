// Package ringchan implements a bounded channel that never blocks its
// producer: when the buffer is full the oldest element is discarded.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a channel-like buffer with overwrite-oldest semantics.
// Consumers read from C(); producers use Send or TrySend.
//
//	rc := ringchan.New[backpack.Event](64)
//	go func() {
//	    for ev := range rc.C() {
//	        fmt.Println(ev.Kind)
//	    }
//	}()
//	rc.Send(ev) // never blocks
type RingChannel[T any] struct {
	ch     chan T
	mu     sync.Mutex
	closed bool
	stats  Stats
}

// Stats counts traffic through a RingChannel.
type Stats struct {
	Written     int64
	Overwritten int64
}

// New creates a RingChannel holding at most capacity elements.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was discarded. Sends after Close are dropped.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.stats.Written, 1)
			return dropped
		default:
		}
		// a concurrent reader may have drained the slot already
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.stats.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.stats.Written, 1)
		return true
	default:
		return false
	}
}

// Len is the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap is the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     atomic.LoadInt64(&rc.stats.Written),
		Overwritten: atomic.LoadInt64(&rc.stats.Overwritten),
	}
}
