package objects

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-nnpi/internal/channel"
	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// infReqHeaderSize is the fixed prefix of the single-page create
// payload: num_inputs, num_outputs, config_size.
const infReqHeaderSize = 8

// InfReq is an inference request scheduled against a device network's
// bound input and output device resources.
type InfReq struct {
	ctx       *nnpictx.Context
	NetworkID uint16
	ID        uint16
}

// CreateInfReq builds the single-page creation payload
// {num_inputs, num_outputs, config_size, input_ids[], output_ids[], config[]},
// validates it, and sends it.
func CreateInfReq(goCtx context.Context, net *DevNet, inputIDs, outputIDs []uint16, config []byte) (*InfReq, error) {
	if len(outputIDs) == 0 {
		return nil, fmt.Errorf("objects: inference request requires at least one output")
	}
	if net.resourceCount() == 0 {
		return nil, fmt.Errorf("objects: incomplete-network: no device resources bound")
	}

	payloadLen := infReqHeaderSize + 2*(len(inputIDs)+len(outputIDs)) + len(config)
	if payloadLen > wire.PageSize {
		return nil, fmt.Errorf("objects: not-supported: inference request payload %d exceeds one page", payloadLen)
	}

	id := net.allocInfReqID()

	buf := make([]byte, payloadLen+2) // +2 for the leading infreq ID
	binary.LittleEndian.PutUint16(buf[0:2], id)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(inputIDs)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(outputIDs)))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(config)))
	off := 2 + infReqHeaderSize
	for _, inID := range inputIDs {
		binary.LittleEndian.PutUint16(buf[off:], inID)
		off += 2
	}
	for _, outID := range outputIDs {
		binary.LittleEndian.PutUint16(buf[off:], outID)
		off += 2
	}
	copy(buf[off:], config)

	key := nnpictx.ObjID{Type: wire.ObjInfReq, ID1: int32(id), ID2: int32(net.ID)}
	if err := net.ctx.SendCreateCommand(goCtx, wire.OpCreateInfReq, buf); err != nil {
		return nil, err
	}
	rep, err := net.ctx.WaitCreateCommand(goCtx, key)
	if err != nil {
		return nil, err
	}
	if rep.Class == wire.EventClassCreateFailed {
		return nil, fmt.Errorf("objects: create inference request failed: event %d", rep.EventVal)
	}

	net.markHasInfReq()
	ir := &InfReq{ctx: net.ctx, NetworkID: net.ID, ID: id}
	net.ctx.Objects.InsertInfReq(net.ID, id, ir)
	return ir, nil
}

// SchedParams carries the schedule-time tuning knobs; a zero value with
// NullParams set to true tells the card to use its defaults.
type SchedParams struct {
	BatchSize   uint32
	Priority    uint8
	DebugBit    bool
	CollectInfo bool
	NullParams  bool
}

func marshalSchedParams(p SchedParams) []byte {
	buf := make([]byte, 8)
	if p.NullParams {
		buf[0] = 1
		return buf
	}
	binary.LittleEndian.PutUint32(buf[1:5], p.BatchSize)
	buf[5] = p.Priority
	var flags byte
	if p.DebugBit {
		flags |= 1
	}
	if p.CollectInfo {
		flags |= 2
	}
	buf[6] = flags
	return buf
}

// Schedule schedules the inference request for execution.
func (ir *InfReq) Schedule(goCtx context.Context, params SchedParams) error {
	if ir.ctx.Broken() {
		return fmt.Errorf("objects: %w", ir.ctx.BrokenReason())
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:2], ir.NetworkID)
	binary.LittleEndian.PutUint16(buf[2:4], ir.ID)
	copy(buf[4:], marshalSchedParams(params))
	return ir.ctx.Channel().SendFramed(goCtx, channel.RBSchedule, wire.OpScheduleInfReq, buf)
}

// OnComplete implements context.Completable; inference requests carry no
// per-object cleanup on success beyond what the caller observes through
// a marker wait.
func (ir *InfReq) OnComplete(ev wire.EventReport) {}

// OnFailed implements context.Failable and does nothing. The event router
// hands infreq-failed frames here and takes no other action on them;
// nothing routes them into a command list's error list.
func (ir *InfReq) OnFailed(ev wire.EventReport) {}

// Destroy tears the inference request down and removes it from the
// object DB.
func (ir *InfReq) Destroy(goCtx context.Context) error {
	ir.ctx.Objects.RemoveInfReq(ir.NetworkID, ir.ID)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], ir.NetworkID)
	binary.LittleEndian.PutUint16(buf[2:4], ir.ID)
	return ir.ctx.Channel().SendFramed(goCtx, channel.RBCreate, wire.OpDestroyInfReq, buf)
}
