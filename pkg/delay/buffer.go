// Package delay implements the bounded FIFO delay buffer: a single-consumer
// queue of (event, enqueue-time, delayed?) entries with a fixed hold
// interval, used to give MOVED_FROM/MODIFY events a window in which a later
// raw event (MOVED_TO, a repeated MODIFY) can pair with or promote them
// in place before they are handed to the worker's consumer.
package delay

import (
	"sync"
	"time"

	"github.com/inocore/inocore/pkg/ievent"
)

// entry is one buffered item. seq is a monotonically assigned sequence
// number rather than object identity (per the design note that a
// reimplementation should use a sequence number, comparing it after a timed
// wait, instead of reference identity), so that Get can detect whether the
// head it waited on is still the head it is about to pop.
type entry struct {
	event       *ievent.Event
	enqueueTime time.Time
	delayed     bool
	seq         uint64
}

// Buffer is a bounded FIFO protected by a mutex, with delayed gets
// implemented as a timed wait that is interruptible by Put, RemoveIf, and
// Close. Order is preserved across dequeues except that a non-delayed match
// from remove_if may displace a delayed predecessor, by design: a completed
// pairing should not wait for the hold to expire.
type Buffer struct {
	mu     sync.Mutex
	hold   time.Duration
	items  []*entry
	nextSeq uint64
	closed bool
	signal chan struct{}
	cap    int
}

// New creates a delay buffer with the given hold interval and capacity (0
// means unbounded).
func New(hold time.Duration, capacity int) *Buffer {
	return &Buffer{
		hold:   hold,
		cap:    capacity,
		signal: make(chan struct{}),
	}
}

// wake closes and replaces the signal channel, unblocking every goroutine
// currently selecting on it.
func (b *Buffer) wake() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Put appends an event to the tail of the buffer. If the buffer has a
// nonzero capacity and is full, Put blocks until space is available or the
// buffer is closed.
func (b *Buffer) Put(event *ievent.Event, delayed bool) {
	b.mu.Lock()
	for b.cap > 0 && len(b.items) >= b.cap && !b.closed {
		sig := b.signal
		b.mu.Unlock()
		<-sig
		b.mu.Lock()
	}
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.nextSeq++
	b.items = append(b.items, &entry{
		event:       event,
		enqueueTime: time.Now(),
		delayed:     delayed,
		seq:         b.nextSeq,
	})
	b.wake()
	b.mu.Unlock()
}

// Get returns the next ready event, blocking until one is available. The
// second return value is false only when the buffer has been closed and
// drained, matching the "close unblocks waiters and subsequent get returns
// sentinel" contract.
func (b *Buffer) Get() (*ievent.Event, bool) {
	for {
		b.mu.Lock()
		if len(b.items) == 0 {
			if b.closed {
				b.mu.Unlock()
				return nil, false
			}
			sig := b.signal
			b.mu.Unlock()
			<-sig
			continue
		}

		head := b.items[0]
		if !head.delayed {
			b.popLocked()
			b.mu.Unlock()
			return head.event, true
		}

		remaining := head.enqueueTime.Add(b.hold).Sub(time.Now())
		if remaining <= 0 {
			b.popLocked()
			b.mu.Unlock()
			return head.event, true
		}

		headSeq := head.seq
		sig := b.signal
		b.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-sig:
			timer.Stop()
		}

		// Re-check: if the head's identity (by sequence number) changed
		// while we waited, restart the loop rather than assuming it is
		// still safe to pop what is now at the front.
		b.mu.Lock()
		stillSameHead := len(b.items) > 0 && b.items[0].seq == headSeq
		b.mu.Unlock()
		_ = stillSameHead
		// Either way the top-of-loop re-peek handles both the "still the
		// same delayed head, hold has now elapsed" and the "head was
		// replaced/removed by remove_if" cases correctly.
	}
}

// popLocked removes the current head. Callers must hold b.mu.
func (b *Buffer) popLocked() {
	b.items = b.items[1:]
	b.wake()
}

// RemoveIf scans the buffer in FIFO order for the first entry matching
// predicate. If replace is non-nil, the matched entry is replaced in place
// with (replace(event), enqueue_time, delayed=false) so that it becomes
// immediately ready to a waiting Get; otherwise the entry is excised
// entirely. It returns the (possibly replaced) event, or nil if nothing
// matched.
func (b *Buffer) RemoveIf(predicate func(*ievent.Event) bool, replace func(*ievent.Event) *ievent.Event) *ievent.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.items {
		if !predicate(e.event) {
			continue
		}

		if replace == nil {
			b.items = append(b.items[:i], b.items[i+1:]...)
			b.wake()
			return e.event
		}

		b.nextSeq++
		replaced := replace(e.event)
		b.items[i] = &entry{
			event:       replaced,
			enqueueTime: e.enqueueTime,
			delayed:     false,
			seq:         b.nextSeq,
		}
		b.wake()
		return replaced
	}

	return nil
}

// Close unblocks any goroutine waiting in Get or Put. Subsequent Get calls
// return the close sentinel (nil, false) once the buffer has drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.wake()
}

// Len returns the current number of buffered entries, for diagnostics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
