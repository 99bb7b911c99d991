// Package ringbuffer implements the producer/consumer ring buffer shared
// between the host and a card over a channel. Capacity is a whole number
// of host pages; space is reserved and released in arbitrary byte counts,
// as two spans when a reservation wraps past the end of the buffer.
package ringbuffer

import (
	"context"
	"fmt"

	"github.com/behrlich/go-nnpi/internal/waitqueue"
)

// PageSize is the unit a ring buffer's capacity is given in (New takes a
// page count).
const PageSize = 4096

// Span describes a (possibly wrap-split) contiguous reservation. Second is
// non-empty only when the reservation wrapped past the end of the buffer.
type Span struct {
	First  []byte
	Second []byte
}

// Len returns the total length of the reservation across both spans.
func (s Span) Len() int { return len(s.First) + len(s.Second) }

// RingBuffer is a fixed-capacity byte ring over a pinned buffer, with
// separate producer (free-space) and consumer (avail-space) waiters and an
// explicit is_full bit distinguishing a full buffer from an empty one
// (head == tail is ambiguous otherwise).
type RingBuffer struct {
	buf      []byte
	capacity int
	head     int // consumer position, committed
	tail     int // producer position, committed
	isFull   bool
	invalid  bool

	// reserved and availReserved count bytes handed out by LockFreeSpace/
	// LockAvailSpace but not yet committed by the matching Unlock call.
	// Both the reservation check and the span it hands out are computed
	// under the same wait-queue lock hold (via WaitContextLock), so two
	// concurrent lockers can never be handed overlapping spans.
	reserved      int
	availReserved int

	wq *waitqueue.WaitQueue
}

// New allocates a ring buffer of the given page count.
func New(pages int) *RingBuffer {
	cap := pages * PageSize
	return &RingBuffer{
		buf:      make([]byte, cap),
		capacity: cap,
		wq:       waitqueue.New(),
	}
}

func (rb *RingBuffer) freeLocked() int {
	if rb.isFull {
		return 0
	}
	if rb.tail >= rb.head {
		return rb.capacity - (rb.tail - rb.head)
	}
	return rb.head - rb.tail
}

func (rb *RingBuffer) availLocked() int {
	return rb.capacity - rb.freeLocked()
}

// reserveTail returns the next byte a new LockFreeSpace reservation would
// start at: the committed tail advanced past every outstanding
// reservation.
func (rb *RingBuffer) reserveTail() int {
	return (rb.tail + rb.reserved) % rb.capacity
}

// reservableFreeLocked is freeLocked's reservation-aware counterpart: the
// number of bytes a new LockFreeSpace call could reserve right now,
// excluding bytes already handed out to an earlier, not-yet-committed
// reservation.
func (rb *RingBuffer) reservableFreeLocked() int {
	rt := rb.reserveTail()
	if rt == rb.head {
		if rb.reserved != 0 || rb.isFull {
			return 0
		}
		return rb.capacity
	}
	if rt >= rb.head {
		return rb.capacity - (rt - rb.head)
	}
	return rb.head - rt
}

// reserveHead is reserveTail's consumer-side counterpart.
func (rb *RingBuffer) reserveHead() int {
	return (rb.head + rb.availReserved) % rb.capacity
}

// reservableAvailLocked is availLocked's reservation-aware counterpart.
func (rb *RingBuffer) reservableAvailLocked() int {
	rh := rb.reserveHead()
	if rh == rb.tail {
		if rb.availReserved != 0 || !rb.isFull {
			return 0
		}
		return rb.capacity
	}
	if rb.tail >= rh {
		return rb.tail - rh
	}
	return rb.capacity - (rh - rb.tail)
}

// LockFreeSpace blocks until at least n contiguous-or-wrap-split bytes are
// free, then returns a span of that reservation. It does not advance the
// producer index; the caller must call UnlockFreeSpace with the number of
// bytes actually consumed once done writing into the span. The wait and
// the reservation itself happen under one uninterrupted lock hold (via
// WaitContextLock), so two concurrent callers are always handed
// non-overlapping spans instead of racing to reserve the same bytes.
func (rb *RingBuffer) LockFreeSpace(ctx context.Context, n int) (Span, error) {
	var span Span
	err := rb.wq.WaitContextLock(ctx, func() bool {
		return rb.reservableFreeLocked() >= n || rb.invalid
	})
	if err != nil {
		return span, err
	}
	defer rb.wq.Unlock()
	if rb.invalid {
		return span, fmt.Errorf("ringbuffer: invalidated")
	}

	rt := rb.reserveTail()
	rb.reserved += n

	toEnd := rb.capacity - rt
	if toEnd >= n {
		span.First = rb.buf[rt : rt+n]
		return span, nil
	}
	span.First = rb.buf[rt:rb.capacity]
	span.Second = rb.buf[0 : n-toEnd]
	return span, nil
}

// UnlockFreeSpace commits k bytes of a previously reserved span, the
// amount actually written into the span returned by LockFreeSpace,
// advancing the producer tail and releasing that much of the outstanding
// reservation.
func (rb *RingBuffer) UnlockFreeSpace(k int) {
	rb.wq.UpdateAndNotify(func() {
		rb.tail = (rb.tail + k) % rb.capacity
		if rb.reserved >= k {
			rb.reserved -= k
		} else {
			rb.reserved = 0
		}
		if k > 0 && rb.tail == rb.head {
			rb.isFull = true
		}
	})
}

// LockAvailSpace blocks until at least n contiguous-or-wrap-split bytes of
// data are available to read, then returns that span without advancing the
// consumer index. Like LockFreeSpace, the wait and the reservation are
// atomic under one lock hold.
func (rb *RingBuffer) LockAvailSpace(ctx context.Context, n int) (Span, error) {
	var span Span
	err := rb.wq.WaitContextLock(ctx, func() bool {
		return rb.reservableAvailLocked() >= n || rb.invalid
	})
	if err != nil {
		return span, err
	}
	defer rb.wq.Unlock()
	if rb.invalid {
		return span, fmt.Errorf("ringbuffer: invalidated")
	}

	rh := rb.reserveHead()
	rb.availReserved += n

	toEnd := rb.capacity - rh
	if toEnd >= n {
		span.First = rb.buf[rh : rh+n]
		return span, nil
	}
	span.First = rb.buf[rh:rb.capacity]
	span.Second = rb.buf[0 : n-toEnd]
	return span, nil
}

// UnlockAvailSpace commits k bytes of a previously reserved read span,
// advancing the consumer head and releasing that much of the outstanding
// reservation.
func (rb *RingBuffer) UnlockAvailSpace(k int) {
	rb.wq.UpdateAndNotify(func() {
		if k > 0 {
			rb.isFull = false
		}
		rb.head = (rb.head + k) % rb.capacity
		if rb.availReserved >= k {
			rb.availReserved -= k
		} else {
			rb.availReserved = 0
		}
	})
}

// UpdateTailBy applies an externally observed producer advance, e.g. a
// head-update message describing progress the card made writing into a
// buffer this side only consumes.
func (rb *RingBuffer) UpdateTailBy(k int) {
	rb.UnlockFreeSpace(k)
}

// UpdateHead applies an externally observed consumer advance, e.g. the
// card reporting it consumed k bytes this side produced.
func (rb *RingBuffer) UpdateHead(k int) {
	rb.UnlockAvailSpace(k)
}

// SetInvalid marks the buffer permanently unusable and wakes every waiter,
// used on channel teardown so producers fail fast instead of blocking
// forever on a card that will never drain them.
func (rb *RingBuffer) SetInvalid() {
	rb.wq.UpdateAndNotify(func() {
		rb.invalid = true
	})
}

// Stats reports the current free/avail split, for tests and diagnostics.
func (rb *RingBuffer) Stats() (free, avail int, isFull bool) {
	rb.wq.Lock()
	defer rb.wq.Unlock()
	return rb.freeLocked(), rb.availLocked(), rb.isFull
}

// Capacity returns the total buffer size in bytes.
func (rb *RingBuffer) Capacity() int { return rb.capacity }
