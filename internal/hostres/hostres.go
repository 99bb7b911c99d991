// Package hostres implements the pinned host-memory resource: reader/
// writer lock discipline for CPU access, a separate non-blocking lock for
// the copy scheduler's device-side access, the "cpu-sync needed" flag the
// kernel reports at map time, and the broken-counter that copy failures
// accumulate against it.
package hostres

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-nnpi/internal/transport"
)

// Usage mirrors the transport usage bitmask; kept as its own type so
// hostres callers don't need to import transport just to build flags.
type Usage = transport.UsageFlags

const (
	UsageInput          = transport.UsageInput
	UsageOutput         = transport.UsageOutput
	UsageNetworkBlob    = transport.UsageNetworkBlob
	UsageForceLowMemory = transport.UsageForceLowMemory
	UsageECC            = transport.UsageECC
	UsageP2PSource      = transport.UsageP2PSource
	UsageP2PDestination = transport.UsageP2PDestination
	UsageLockless       = transport.UsageLockless
)

// Resource is a pinned region of host memory shared with a card.
type Resource struct {
	mu sync.Mutex

	handle     uint64
	size       uint64
	usage      Usage
	cpuAddr    uintptr
	syncNeeded bool
	lockless   bool

	readers    int
	writer     bool
	cpuLocked  int // +1 per reader, -1 for the writer; mirrors the source's single counter
	deviceRefs int // outstanding device-side (copy) references

	brokenCount int
}

// Errors returned by lock operations; the context layer translates these
// into the public taxonomy (not-supported, invalid, hostres-broken).
var (
	ErrLockless    = fmt.Errorf("hostres: lockless resource does not support explicit locking")
	ErrAlreadyLocked = fmt.Errorf("hostres: already CPU-locked by this caller")
	ErrWriteConflict = fmt.Errorf("hostres: writer cannot coexist with any other holder")
	ErrReadConflict  = fmt.Errorf("hostres: reader cannot coexist with a writer")
)

// New wraps a transport-created host resource.
func New(handle uint64, size uint64, usage Usage, cpuAddr uintptr, syncNeeded bool) *Resource {
	return &Resource{
		handle:     handle,
		size:       size,
		usage:      usage,
		cpuAddr:    cpuAddr,
		syncNeeded: syncNeeded,
		lockless:   usage&UsageLockless != 0,
	}
}

func (r *Resource) Handle() uint64  { return r.handle }
func (r *Resource) Size() uint64    { return r.size }
func (r *Resource) Usage() Usage    { return r.usage }
func (r *Resource) CPUAddr() uintptr { return r.cpuAddr }

// LockCPU acquires the CPU lock, reader or writer. Only one CPU lock may
// be outstanding at a time regardless of kind — a second LockCPU call
// while one is already held fails with ErrAlreadyLocked, matching the
// original driver's unconditional "already locked" gate rather than
// allowing concurrent readers. Cache-sync brackets are the caller's
// responsibility once this returns nil and SyncNeeded() is true.
func (r *Resource) LockCPU(forWrite bool) error {
	if r.lockless {
		return ErrLockless
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cpuLocked != 0 {
		return ErrAlreadyLocked
	}

	if forWrite {
		r.writer = true
		r.cpuLocked = -1
		return nil
	}

	r.readers++
	r.cpuLocked++
	return nil
}

// UnlockCPU releases one CPU lock previously acquired with LockCPU.
func (r *Resource) UnlockCPU(wasWrite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wasWrite {
		r.writer = false
		r.cpuLocked = 0
		return
	}
	if r.readers > 0 {
		r.readers--
		r.cpuLocked--
	}
}

// LockDevice is the copy scheduler's non-blocking reader/writer
// acquisition; it fails immediately (instead of waiting) if the requested
// access would conflict with an existing CPU lock.
func (r *Resource) LockDevice(forWrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if forWrite {
		if r.writer || r.readers > 0 || r.deviceRefs > 0 {
			return ErrWriteConflict
		}
	} else if r.writer {
		return ErrReadConflict
	}
	r.deviceRefs++
	return nil
}

// UnlockDevice releases one device-side reference. Nothing is woken:
// hostres has no wait queue, and LockCPU does not wait on device
// references.
func (r *Resource) UnlockDevice() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deviceRefs > 0 {
		r.deviceRefs--
	}
}

// SyncNeeded reports whether the kernel requires a CPU cache-sync bracket
// around CPU access to this resource.
func (r *Resource) SyncNeeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncNeeded
}

// MarkFailed increments the broken-counter, called by the event router
// when a copy command bound to this resource reports failure.
func (r *Resource) MarkFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokenCount++
}

// ClearBroken resets the broken-counter, called when the owning
// context/command-list clears its error state.
func (r *Resource) ClearBroken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokenCount = 0
}

// Broken reports whether any copy referencing this resource has failed
// since the last ClearBroken.
func (r *Resource) Broken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokenCount != 0
}
