// Package ida implements a smallest-first free-list ID allocator over a
// fixed [0, max) range, the same allocation discipline the card protocol
// expects for every namespace of card-visible object IDs (device resources,
// copies, networks, command lists).
package ida

import (
	"fmt"
	"sync"
)

// span is a closed-open free range [Lo, Hi).
type span struct {
	lo, hi uint32
}

// IDA allocates and frees small integer IDs, always handing out the
// smallest currently-free value. Coalesces adjacent free spans on Free so
// long-running contexts don't fragment their ID space into unusable slivers.
type IDA struct {
	mu    sync.Mutex
	free  []span
	limit uint32
}

// New returns an allocator over [0, limit).
func New(limit uint32) *IDA {
	return &IDA{
		free:  []span{{lo: 0, hi: limit}},
		limit: limit,
	}
}

// Alloc returns the smallest free ID, or an error if the space is exhausted.
func (a *IDA) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return 0, fmt.Errorf("ida: exhausted (limit %d)", a.limit)
	}

	s := &a.free[0]
	id := s.lo
	s.lo++
	if s.lo == s.hi {
		a.free = a.free[1:]
	}
	return id, nil
}

// Free returns an ID to the pool, coalescing it with adjacent free spans.
// Freeing an ID that already lies inside a free span (a double free)
// panics; an ID outside the pool's range is not checked.
func (a *IDA) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Find insertion point keeping a.free sorted by lo.
	i := 0
	for i < len(a.free) && a.free[i].lo < id {
		i++
	}

	// id must not fall inside an existing free span (double free).
	if i < len(a.free) && id >= a.free[i].lo && id < a.free[i].hi {
		panic(fmt.Sprintf("ida: double free of id %d", id))
	}
	if i > 0 && id >= a.free[i-1].lo && id < a.free[i-1].hi {
		panic(fmt.Sprintf("ida: double free of id %d", id))
	}

	merged := span{lo: id, hi: id + 1}

	mergesLeft := i > 0 && a.free[i-1].hi == merged.lo
	mergesRight := i < len(a.free) && a.free[i].lo == merged.hi

	switch {
	case mergesLeft && mergesRight:
		merged = span{lo: a.free[i-1].lo, hi: a.free[i].hi}
		a.free = append(a.free[:i-1], a.free[i+1:]...)
		a.free = insertSpan(a.free, i-1, merged)
	case mergesLeft:
		i--
		merged.lo = a.free[i].lo
		a.free = append(a.free[:i], a.free[i+1:]...)
		a.free = insertSpan(a.free, i, merged)
	case mergesRight:
		merged.hi = a.free[i].hi
		a.free = append(a.free[:i], a.free[i+1:]...)
		a.free = insertSpan(a.free, i, merged)
	default:
		a.free = insertSpan(a.free, i, merged)
	}
}

func insertSpan(spans []span, i int, s span) []span {
	spans = append(spans, span{})
	copy(spans[i+1:], spans[i:])
	spans[i] = s
	return spans
}

// InUse reports how many IDs are currently allocated.
func (a *IDA) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var free uint32
	for _, s := range a.free {
		free += s.hi - s.lo
	}
	return a.limit - free
}
