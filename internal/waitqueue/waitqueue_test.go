package waitqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUnblocksOnUpdate(t *testing.T) {
	wq := New()
	ready := false

	done := make(chan struct{})
	go func() {
		wq.Wait(func() bool { return ready })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned before predicate was satisfied")
	case <-time.After(20 * time.Millisecond):
	}

	wq.UpdateAndNotify(func() { ready = true })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock after UpdateAndNotify")
	}
}

func TestWaitContextTimeout(t *testing.T) {
	wq := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := wq.WaitContext(ctx, func() bool { return false })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitLockHoldsLock(t *testing.T) {
	wq := New()
	value := 0

	wq.UpdateAndNotify(func() { value = 1 })

	wq.WaitLock(func() bool { return value == 1 })
	value = 2
	wq.Unlock()

	require.Equal(t, 2, value)
}
