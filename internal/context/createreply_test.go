package context

import (
	stdcontext "context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-nnpi/internal/wire"
)

func TestObjIDMatchesExact(t *testing.T) {
	a := ObjID{Type: wire.ObjDevRes, ID1: 3, ID2: 0}
	b := ObjID{Type: wire.ObjDevRes, ID1: 3, ID2: 0}
	require.True(t, a.Matches(b))
}

func TestObjIDMatchesWildcard(t *testing.T) {
	wildcard := ObjID{Type: wire.ObjDevNet, ID1: AnyID, ID2: AnyID}
	concrete := ObjID{Type: wire.ObjDevNet, ID1: 12, ID2: 0}
	require.True(t, wildcard.Matches(concrete))
	require.True(t, concrete.Matches(wildcard))
}

func TestObjIDMatchesDifferentTypeNeverMatches(t *testing.T) {
	a := ObjID{Type: wire.ObjDevRes, ID1: AnyID}
	b := ObjID{Type: wire.ObjCopy, ID1: AnyID}
	require.False(t, a.Matches(b))
}

func TestObjIDMatchesDifferentConcreteIDs(t *testing.T) {
	a := ObjID{Type: wire.ObjDevRes, ID1: 1}
	b := ObjID{Type: wire.ObjDevRes, ID1: 2}
	require.False(t, a.Matches(b))
}

func TestCreateReplyRegistryDeliverThenWait(t *testing.T) {
	r := newCreateReplyRegistry()
	key := ObjID{Type: wire.ObjDevRes, ID1: 7}
	ev := wire.EventReport{Class: wire.EventClassCreateSuccess, ObjType: wire.ObjDevRes, ID1: 7, ID1Valid: true}

	r.Deliver(key, ev)

	got, err := r.Wait(stdcontext.Background(), key, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, ev, got)

	// the entry is consumed by Wait, so waiting again with nothing new
	// delivered must time out rather than return the same reply twice
	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Wait(ctx, key, func() bool { return false })
	require.Error(t, err)
}

func TestCreateReplyRegistryWaitThenDeliver(t *testing.T) {
	r := newCreateReplyRegistry()
	key := ObjID{Type: wire.ObjCopy, ID1: 4}
	ev := wire.EventReport{Class: wire.EventClassCreateSuccess, ObjType: wire.ObjCopy, ID1: 4, ID1Valid: true}

	resultCh := make(chan wire.EventReport, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := r.Wait(stdcontext.Background(), key, func() bool { return false })
		resultCh <- got
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter register before delivery
	r.Deliver(key, ev)

	select {
	case got := <-resultCh:
		require.NoError(t, <-errCh)
		require.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Deliver")
	}
}

func TestCreateReplyRegistryWildcardWait(t *testing.T) {
	r := newCreateReplyRegistry()
	ev := wire.EventReport{Class: wire.EventClassCreateFailed, ObjType: wire.ObjDevNet, ID1: 9, ID1Valid: true}
	r.Deliver(ObjID{Type: wire.ObjDevNet, ID1: 9}, ev)

	got, err := r.Wait(stdcontext.Background(), ObjID{Type: wire.ObjDevNet, ID1: AnyID}, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestCreateReplyRegistryBrokenUnblocksWait(t *testing.T) {
	r := newCreateReplyRegistry()
	key := ObjID{Type: wire.ObjDevRes, ID1: 1}

	var broken atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		broken.Store(true)
		r.wq.UpdateAndNotify(func() {})
	}()

	_, err := r.Wait(stdcontext.Background(), key, func() bool { return broken.Load() })
	require.Error(t, err)
}
