// Package objects implements the device-side objects a context creates
// and schedules against: device resources, copy commands, device
// networks, and inference requests. Each constructor follows the
// allocate-ID, send-framed-create, wait-for-reply protocol context.Context
// exposes; each type implements whichever of context.Completable,
// context.Failable, or context.Destroyable notification it can receive.
package objects

import (
	"context"
	"fmt"
	"sync"

	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/hostres"
	"github.com/behrlich/go-nnpi/internal/transport"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// DevRes is a device resource: a card-side buffer with a byte size, a
// ring depth (>1 for multi-buffered resources), an alignment, and a
// usage bitmask that constrains how copies may bind to it.
type DevRes struct {
	ctx   *nnpictx.Context
	ID    uint16
	Size  uint64
	Depth uint32
	Align uint64
	Usage transport.UsageFlags

	mu       sync.Mutex
	hostAddr uint64
	bufID    uint8
	dirty    bool
}

// CreateDevRes validates arguments and creates a device resource on
// ctx's card.
func CreateDevRes(goCtx context.Context, ctx *nnpictx.Context, size uint64, depth uint32, align uint64, usage transport.UsageFlags) (*DevRes, error) {
	if size == 0 {
		return nil, fmt.Errorf("objects: devres size must be > 0")
	}
	if depth < 1 || depth > 255 {
		return nil, fmt.Errorf("objects: devres depth must be in [1,255]")
	}
	// Alignment must be zero or a power of two; it is not checked against
	// the page size or the wire field's width.
	if align != 0 && (align&(align-1)) != 0 {
		return nil, fmt.Errorf("objects: devres alignment must be a power of two")
	}
	if usage&transport.UsageP2PSource != 0 && usage&transport.UsageP2PDestination != 0 {
		return nil, fmt.Errorf("objects: devres cannot be both P2P source and destination")
	}

	id, err := ctx.CreateDevRes(goCtx, wire.CreateDevResReq{
		ByteSize:   size,
		Depth:      depth,
		Align:      align,
		UsageFlags: uint32(usage),
	})
	if err != nil {
		return nil, err
	}

	dr := &DevRes{ctx: ctx, ID: id, Size: size, Depth: depth, Align: align, Usage: usage}
	ctx.Objects.InsertDevRes(id, dr)
	return dr, nil
}

// MarkDirty signals the card that a P2P-destination resource's contents
// must be re-fetched before the next read; valid only for resources
// created with UsageP2PDestination.
func (dr *DevRes) MarkDirty(goCtx context.Context) error {
	if dr.Usage&transport.UsageP2PDestination == 0 {
		return fmt.Errorf("objects: mark_dirty is only valid for P2P-destination resources")
	}
	dr.mu.Lock()
	dr.dirty = true
	dr.mu.Unlock()
	return dr.ctx.MarkDevResDirty(goCtx, dr.ID)
}

// Destroy releases the device resource's ID and tells the card to tear
// it down.
func (dr *DevRes) Destroy(goCtx context.Context) error {
	return dr.ctx.DestroyDevRes(goCtx, dr.ID)
}

// hostBinding is the (host resource, channel map-id) pair a copy command
// binds to for its host-side endpoint.
type hostBinding struct {
	res   *hostres.Resource
	mapID uint16
}
