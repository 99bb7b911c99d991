// Package waitqueue provides a condition-variable-style wait primitive:
// a caller blocks on a predicate and any writer can wake every waiter by
// mutating state under the same lock and calling Notify. It is the Go
// analogue of the mutex+condition-variable pair used to coordinate a
// response-dispatch goroutine with callers blocked on card replies.
package waitqueue

import (
	"context"
	"sync"
)

// WaitQueue pairs a sync.Mutex with a broadcast condition variable.
// Callers that need to observe or mutate the guarded state directly use
// Lock/Unlock; callers that just want to wait for a predicate use Wait or
// WaitContext.
type WaitQueue struct {
	mu sync.Mutex
	cv *sync.Cond
}

// New returns a ready-to-use WaitQueue.
func New() *WaitQueue {
	wq := &WaitQueue{}
	wq.cv = sync.NewCond(&wq.mu)
	return wq
}

// Lock acquires the underlying mutex.
func (wq *WaitQueue) Lock() { wq.mu.Lock() }

// Unlock releases the underlying mutex.
func (wq *WaitQueue) Unlock() { wq.mu.Unlock() }

// UpdateAndNotify runs update while holding the lock, then wakes every
// waiter. update must not block.
func (wq *WaitQueue) UpdateAndNotify(update func()) {
	wq.mu.Lock()
	update()
	wq.mu.Unlock()
	wq.cv.Broadcast()
}

// Wait blocks until cond returns true. cond is evaluated with the lock
// held, so it may read (but not mutate in a racy way) the state that
// UpdateAndNotify writers protect with the same lock.
func (wq *WaitQueue) Wait(cond func() bool) {
	wq.mu.Lock()
	for !cond() {
		wq.cv.Wait()
	}
	wq.mu.Unlock()
}

// WaitLock is like Wait but returns with the lock held: the caller
// inspects or mutates the just-satisfied state before releasing via
// Unlock.
func (wq *WaitQueue) WaitLock(cond func() bool) {
	wq.mu.Lock()
	for !cond() {
		wq.cv.Wait()
	}
}

// WaitContext blocks until cond returns true or ctx is done, whichever
// comes first. It returns ctx.Err() on timeout/cancellation and nil on
// success. Because sync.Cond has no timeout support, cancellation is
// delivered by a goroutine that wakes every waiter when ctx is done; the
// woken waiter re-checks cond and, finding it still false and ctx done,
// gives up.
func (wq *WaitQueue) WaitContext(ctx context.Context, cond func() bool) error {
	err := wq.WaitContextLock(ctx, cond)
	if err != nil {
		return err
	}
	wq.mu.Unlock()
	return nil
}

// WaitContextLock is WaitContext's lock-preserving counterpart: on success
// it returns with the lock held, so a caller can act on the
// just-satisfied condition (e.g. reserve the span cond checked for)
// without a second caller slipping in between the wait and the lock
// re-acquisition. The caller must Unlock. On error the lock is not held.
func (wq *WaitQueue) WaitContextLock(ctx context.Context, cond func() bool) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			wq.cv.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	wq.mu.Lock()
	for !cond() {
		if err := ctx.Err(); err != nil {
			wq.mu.Unlock()
			return err
		}
		wq.cv.Wait()
	}
	return nil
}
