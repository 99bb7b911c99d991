package objects

import (
	"context"
	"fmt"
	"sync"

	"github.com/behrlich/go-nnpi/internal/channel"
	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/hostres"
	"github.com/behrlich/go-nnpi/internal/transport"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// Copy is a copy command: a card-side descriptor that moves bytes
// between a host resource and a device resource (host↔device), between
// two device resources on different cards (device↔device), or that binds
// a (host resource, offset, size) window at schedule time (subresource).
type Copy struct {
	ctx *nnpictx.Context
	ID  uint16

	isD2D    bool
	isC2H    bool // host↔device direction; irrelevant for d2d
	subres   bool
	minSize  uint64
	hostRes  *hostres.Resource
	hostMapID uint16

	mu       sync.Mutex
	locked   bool
	lockedForWrite bool
}

// NewHostDeviceCopy validates direction compatibility with both
// resources' usage bits, maps the host resource into the channel, and
// creates the on-card copy descriptor.
func NewHostDeviceCopy(goCtx context.Context, ctx *nnpictx.Context, hostRes *hostres.Resource, devRes *DevRes, c2h bool) (*Copy, error) {
	if err := validateHostDeviceDirection(hostRes.Usage(), devRes.Usage, c2h); err != nil {
		return nil, err
	}

	mapID, syncNeeded, err := ctx.Transport().MapHostResource(ctx.ChannelFD(), hostRes.Handle())
	if err != nil {
		return nil, fmt.Errorf("objects: map host resource into channel: %w", err)
	}
	_ = syncNeeded // hostRes already carries its own sync-needed flag from creation

	id, err := ctx.CopyIDs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("objects: copy id space exhausted: %w", err)
	}

	minSize := devRes.Size
	if hostRes.Size() < minSize {
		minSize = hostRes.Size()
	}

	req := make([]byte, 32)
	req[0] = byte(id)
	req[1] = byte(id >> 8)
	req[2] = byte(devRes.ID)
	req[3] = byte(devRes.ID >> 8)
	req[4] = byte(mapID)
	req[5] = byte(mapID >> 8)
	if c2h {
		req[6] = 1
	}

	key := nnpictx.ObjID{Type: wire.ObjCopy, ID1: int32(id)}
	if err := ctx.SendCreateCommand(goCtx, wire.OpCreateCopy, req); err != nil {
		ctx.CopyIDs.Free(id)
		return nil, err
	}
	rep, err := ctx.WaitCreateCommand(goCtx, key)
	if err != nil {
		ctx.CopyIDs.Free(id)
		return nil, err
	}
	if rep.Class == wire.EventClassCreateFailed {
		ctx.CopyIDs.Free(id)
		return nil, fmt.Errorf("objects: create host-device copy failed: event %d", rep.EventVal)
	}

	cp := &Copy{ctx: ctx, ID: uint16(id), isC2H: c2h, minSize: minSize, hostRes: hostRes, hostMapID: mapID}
	ctx.Objects.InsertCopy(uint16(id), cp)
	return cp, nil
}

func validateHostDeviceDirection(hostUsage hostres.Usage, devUsage transport.UsageFlags, c2h bool) error {
	if c2h {
		if hostUsage&hostres.UsageOutput == 0 || devUsage&transport.UsageOutput == 0 {
			return fmt.Errorf("objects: c2h copy requires output usage on both endpoints")
		}
		return nil
	}
	if hostUsage&hostres.UsageInput == 0 || devUsage&transport.UsageInput == 0 {
		return fmt.Errorf("objects: h2c copy requires input usage on both endpoints")
	}
	return nil
}

// NewDeviceDeviceCopy validates that both endpoints are on distinct
// devices and are equal in size, then performs the peer handshake
// (get-credit-FIFO and update-peer-dev on each side) before pairing the
// endpoints and creating the descriptor. The caller's context must own
// the producer-side device.
//
// The wire layout for the peer handshake was not recoverable from the
// retrieved original-source pack (the protocol header defining it is
// absent); this issues the handshake opcodes with a minimal payload and
// treats a create-failed reply the same as a handshake rejection.
func NewDeviceDeviceCopy(goCtx context.Context, producerCtx *nnpictx.Context, src, dst *DevRes) (*Copy, error) {
	if src.Size != dst.Size {
		return nil, fmt.Errorf("objects: device-to-device copy requires equal-sized endpoints")
	}

	handshake := make([]byte, 8)
	handshake[0] = byte(src.ID)
	handshake[1] = byte(src.ID >> 8)
	if err := producerCtx.SendCreateCommand(goCtx, wire.OpGetCreditFIFO, handshake); err != nil {
		return nil, err
	}
	if err := producerCtx.SendCreateCommand(goCtx, wire.OpUpdatePeerDev, handshake); err != nil {
		return nil, err
	}

	id, err := producerCtx.CopyIDs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("objects: copy id space exhausted: %w", err)
	}

	req := make([]byte, 32)
	req[0] = byte(id)
	req[1] = byte(id >> 8)
	req[2] = byte(src.ID)
	req[3] = byte(src.ID >> 8)
	req[4] = byte(dst.ID)
	req[5] = byte(dst.ID >> 8)
	// is_c2h is set true here even though both endpoints are
	// device-side; treat isD2D, not is_c2h, as the authoritative
	// direction flag for this copy kind.
	req[6] = 1

	key := nnpictx.ObjID{Type: wire.ObjCopy, ID1: int32(id)}
	if err := producerCtx.SendCreateCommand(goCtx, wire.OpCreateD2DCopy, req); err != nil {
		producerCtx.CopyIDs.Free(id)
		return nil, err
	}
	rep, err := producerCtx.WaitCreateCommand(goCtx, key)
	if err != nil {
		producerCtx.CopyIDs.Free(id)
		return nil, err
	}
	if rep.Class == wire.EventClassCreateFailed {
		producerCtx.CopyIDs.Free(id)
		return nil, fmt.Errorf("objects: create device-to-device copy failed: event %d", rep.EventVal)
	}

	cp := &Copy{ctx: producerCtx, ID: uint16(id), isD2D: true, isC2H: true, minSize: src.Size}
	producerCtx.Objects.InsertCopy(uint16(id), cp)
	return cp, nil
}

// NewSubresourceCopy creates a standalone subresource copy descriptor;
// the (host resource, map-id, offset, size) window it operates on is
// bound later, at schedule time, via ScheduleSubres.
func NewSubresourceCopy(goCtx context.Context, ctx *nnpictx.Context) (*Copy, error) {
	id, err := ctx.CopyIDs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("objects: copy id space exhausted: %w", err)
	}

	req := make([]byte, 8)
	req[0] = byte(id)
	req[1] = byte(id >> 8)

	key := nnpictx.ObjID{Type: wire.ObjCopy, ID1: int32(id)}
	if err := ctx.SendCreateCommand(goCtx, wire.OpCreateCopy, req); err != nil {
		ctx.CopyIDs.Free(id)
		return nil, err
	}
	rep, err := ctx.WaitCreateCommand(goCtx, key)
	if err != nil {
		ctx.CopyIDs.Free(id)
		return nil, err
	}
	if rep.Class == wire.EventClassCreateFailed {
		ctx.CopyIDs.Free(id)
		return nil, fmt.Errorf("objects: create subresource copy failed: event %d", rep.EventVal)
	}

	cp := &Copy{ctx: ctx, ID: uint16(id), subres: true}
	ctx.Objects.InsertCopy(uint16(id), cp)
	return cp, nil
}

// Schedule schedules the copy for execution. size defaults to the
// endpoints' minimum size when zero.
func (cp *Copy) Schedule(goCtx context.Context, size uint64, priority uint8) error {
	if cp.ctx.Broken() {
		return fmt.Errorf("objects: %w", cp.ctx.BrokenReason())
	}
	if size == 0 {
		size = cp.minSize
	}
	if cp.minSize != 0 && size > cp.minSize {
		return fmt.Errorf("objects: copy size %d exceeds endpoint size %d", size, cp.minSize)
	}
	if cp.hostRes != nil && cp.hostRes.Broken() {
		return fmt.Errorf("objects: hostres-broken")
	}

	forWrite := !cp.isC2H
	if err := cp.preSchedule(forWrite); err != nil {
		return err
	}
	if err := cp.ctx.ScheduleCopy(goCtx, cp.ID, size, priority); err != nil {
		cp.postSchedule(nil)
		return err
	}
	return nil
}

// preSchedule locks the bound host resource for device access, mirroring
// the scoped pair command lists also use around a copy leaf.
func (cp *Copy) preSchedule(forWrite bool) error {
	if cp.hostRes == nil {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if err := cp.hostRes.LockDevice(forWrite); err != nil {
		return fmt.Errorf("objects: lock host resource for schedule: %w", err)
	}
	cp.locked = true
	cp.lockedForWrite = forWrite
	return nil
}

// postSchedule drops the device-side host-resource reference and, if
// errList is non-nil, records the host resource as failed so its
// broken-counter clears the next time the list clears errors.
func (cp *Copy) postSchedule(onFailure func(res *hostres.Resource)) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.locked || cp.hostRes == nil {
		return
	}
	cp.hostRes.UnlockDevice()
	cp.locked = false
	if onFailure != nil {
		onFailure(cp.hostRes)
	}
}

// OnComplete implements context.Completable.
func (cp *Copy) OnComplete(ev wire.EventReport) {
	cp.postSchedule(nil)
}

// OnFailed implements context.Failable.
func (cp *Copy) OnFailed(ev wire.EventReport) {
	cp.postSchedule(func(res *hostres.Resource) { res.MarkFailed() })
}

// Destroy tears the copy down and releases its ID.
func (cp *Copy) Destroy(goCtx context.Context) error {
	defer cp.ctx.CopyIDs.Free(uint32(cp.ID))
	cp.ctx.Objects.RemoveCopy(cp.ID)
	buf := make([]byte, 8)
	buf[0] = byte(cp.ID)
	buf[1] = byte(cp.ID >> 8)
	return cp.ctx.Channel().SendFramed(goCtx, channel.RBCreate, wire.OpDestroyCopy, buf)
}
