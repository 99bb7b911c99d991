package objects

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/behrlich/go-nnpi/internal/channel"
	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// devNetPageHeaderSize is the fixed prefix of every chained
// create/add-resources page: a 32-bit start-resource-index and an
// is_first/is_last/create bit vector.
const devNetPageHeaderSize = 8

// DevNet is a device network: an ordered set of device resources plus an
// opaque configuration blob, transmitted to the card as one or more
// page-sized chained frames.
type DevNet struct {
	ctx *nnpictx.Context
	ID  uint16

	mu          sync.Mutex
	numRes      int
	hasInfReq   bool
	nextInfReqID uint16
}

// CreateDevNet reserves a device-network ID and transmits devResIDs plus
// config chained across as many page-sized frames as needed.
func CreateDevNet(goCtx context.Context, ctx *nnpictx.Context, devResIDs []uint16, config []byte) (*DevNet, error) {
	id, err := ctx.AllocDevNetID()
	if err != nil {
		return nil, err
	}

	if err := sendChainedDevNetPages(goCtx, ctx, id, devResIDs, config, true); err != nil {
		ctx.FreeDevNetID(id)
		return nil, err
	}

	if err := ctx.AwaitDevNetCreated(goCtx, id); err != nil {
		ctx.FreeDevNetID(id)
		return nil, err
	}

	dn := &DevNet{ctx: ctx, ID: id, numRes: len(devResIDs)}
	ctx.Objects.InsertDevNet(id, dn)
	return dn, nil
}

// AddResources reuses the chained transmission protocol with create=false
// to append resources to an already-created network. Fails not-supported
// if any inference request has been created against this network.
func (dn *DevNet) AddResources(goCtx context.Context, devResIDs []uint16) error {
	dn.mu.Lock()
	if dn.hasInfReq {
		dn.mu.Unlock()
		return fmt.Errorf("objects: cannot add resources once an inference request exists")
	}
	startIdx := dn.numRes
	dn.mu.Unlock()

	if err := sendChainedResPages(goCtx, dn.ctx, dn.ID, devResIDs, startIdx, false); err != nil {
		return err
	}

	dn.mu.Lock()
	dn.numRes += len(devResIDs)
	dn.mu.Unlock()
	return nil
}

// SetProperty issues a synchronous control request and waits for its
// create-reply.
func (dn *DevNet) SetProperty(goCtx context.Context, prop uint32, val uint64, timeoutUs uint32) error {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint16(buf[0:2], dn.ID)
	binary.LittleEndian.PutUint32(buf[4:8], prop)
	binary.LittleEndian.PutUint64(buf[8:16], val)
	binary.LittleEndian.PutUint32(buf[16:20], timeoutUs)

	key := nnpictx.ObjID{Type: wire.ObjDevNet, ID1: int32(dn.ID)}
	if err := dn.ctx.SendCreateCommand(goCtx, wire.OpDevNetSetProperty, buf); err != nil {
		return err
	}
	rep, err := dn.ctx.WaitCreateCommand(goCtx, key)
	if err != nil {
		return err
	}
	if rep.Class == wire.EventClassCreateFailed {
		return fmt.Errorf("objects: set_property failed: event %d", rep.EventVal)
	}
	return nil
}

// markHasInfReq records that an inference request now references this
// network, called by NewInfReq.
func (dn *DevNet) markHasInfReq() {
	dn.mu.Lock()
	dn.hasInfReq = true
	dn.mu.Unlock()
}

// allocInfReqID hands out the next inference-request ID scoped to this
// network. IDs are not reused within a network's lifetime, since a
// network typically outlives only a handful of inference requests; the
// context's four child-object IDA pools cover devres/copy/devnet/cmdlist
// only, so inference-request IDs are minted per-network instead.
func (dn *DevNet) allocInfReqID() uint16 {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	id := dn.nextInfReqID
	dn.nextInfReqID++
	return id
}

// resourceCount reports how many device resources back this network.
func (dn *DevNet) resourceCount() int {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.numRes
}

// OnDestroyed implements context.Destroyable.
func (dn *DevNet) OnDestroyed(ev wire.EventReport) {
	dn.ctx.FreeDevNetID(dn.ID)
}

// Destroy sends the destroy command; the ID and object-DB entry are
// released once the card's destroyed event arrives (OnDestroyed).
func (dn *DevNet) Destroy(goCtx context.Context) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], dn.ID)
	return dn.ctx.Channel().SendFramed(goCtx, channel.RBCreate, wire.OpDestroyDevNet, buf)
}

func sendChainedDevNetPages(goCtx context.Context, ctx *nnpictx.Context, id uint16, devResIDs []uint16, config []byte, create bool) error {
	return sendChainedPages(goCtx, ctx, wire.OpCreateDevNet, id, devResIDs, config, create)
}

func sendChainedResPages(goCtx context.Context, ctx *nnpictx.Context, id uint16, devResIDs []uint16, startIdx int, create bool) error {
	return sendChainedPagesFrom(goCtx, ctx, wire.OpAddDevNetRes, id, devResIDs, nil, startIdx, create)
}

// sendChainedPages frames devResIDs (and, on the final page, config) into
// one or more page-sized messages, setting is_first/is_last and
// advancing start_res_idx across the chain.
func sendChainedPages(goCtx context.Context, ctx *nnpictx.Context, opcode wire.Opcode, id uint16, devResIDs []uint16, config []byte, create bool) error {
	return sendChainedPagesFrom(goCtx, ctx, opcode, id, devResIDs, config, 0, create)
}

func sendChainedPagesFrom(goCtx context.Context, ctx *nnpictx.Context, opcode wire.Opcode, id uint16, devResIDs []uint16, config []byte, startIdx int, create bool) error {
	const idsPerPage = (wire.PageSize - devNetPageHeaderSize) / 2

	// An empty devResIDs still sends one page (the loop's first pass) to
	// carry config-only updates.
	total := len(devResIDs)
	sent := 0
	first := true
	for sent < total || first {
		remaining := total - sent
		n := remaining
		if n > idsPerPage {
			n = idsPerPage
		}
		last := sent+n >= total

		page := make([]byte, devNetPageHeaderSize+n*2)
		binary.LittleEndian.PutUint16(page[0:2], id)
		binary.LittleEndian.PutUint32(page[2:6], uint32(startIdx+sent))
		var flags byte
		if first {
			flags |= 1
		}
		if last {
			flags |= 2
		}
		if create {
			flags |= 4
		}
		page[6] = flags
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(page[devNetPageHeaderSize+i*2:], devResIDs[sent+i])
		}
		if last && len(config) > 0 {
			page = append(page, config...)
		}

		if err := ctx.SendCreateCommand(goCtx, opcode, page); err != nil {
			return err
		}
		sent += n
		first = false
		if n == 0 {
			break
		}
	}
	return nil
}
