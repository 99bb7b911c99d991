// Package cmdlist implements the command list: a client-built sequence
// of copy and inference-request sub-commands that finalizes into a
// card-resident program, then schedules and reschedules with individual
// leaves editable via overwrite. State machine:
// building -> finalized -> (in-flight <-> idle) -> destroyed.
package cmdlist

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/go-nnpi/internal/channel"
	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/objects"
	"github.com/behrlich/go-nnpi/internal/wire"
)

type state uint8

const (
	stateBuilding state = iota
	stateFinalized
	stateDestroyed
)

// leafType tags a serialized leaf's wire encoding.
type leafType uint8

const (
	leafCopy  leafType = 0
	leafInfer leafType = 1
)

// leaf is one addressable sub-command: a single copy, or an inference
// request. Consecutive copy leaves are grouped into a copyListNode by
// finalize's batching pass; leaves never move between
// nodes after that, only their size/priority fields change on overwrite.
type leaf struct {
	typ      leafType
	copy     *objects.Copy
	infer    *objects.InfReq
	size     uint64
	priority uint8
	skip     bool // size==0 override, "don't execute this leaf"
	edited   bool
}

// copyListNode groups a run of consecutive copy leaves for edit tracking:
// Overwrite marks the node edited and counts its edits. The grouping does
// not look at copy direction or d2d, and transmit still writes one record
// per leaf.
type copyListNode struct {
	leaves    []*leaf
	edited    bool
	editCount int
}

// cmdListUserHandleTag tags a SendUserHandle pass-through as a command
// list's own correlation handle, distinguishing it from any other future
// use of that same generic mechanism.
const cmdListUserHandleTag uint16 = 1

// CommandList is the client-visible handle: an ordered node sequence plus
// the state machine and edit tracking finalize/schedule consult.
type CommandList struct {
	ctx *nnpictx.Context
	ID  uint16

	userHandle uint64

	mu        sync.Mutex
	st        state
	nodes     []interface{} // *leaf (infer, or unbatched copy) or *copyListNode
	userIndex []addressable // flat, user-visible index -> leaf
	editCount int
	inFlight  bool
	scheduled bool

	errList *nnpictx.ExecErrorList
}

type addressable struct {
	node interface{}
	leaf *leaf
}

// New starts a command list in the building state.
func New(ctx *nnpictx.Context) (*CommandList, error) {
	id, err := ctx.CmdListIDs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("cmdlist: id space exhausted: %w", err)
	}
	cl := &CommandList{ctx: ctx, ID: uint16(id), errList: nnpictx.NewExecErrorList()}
	ctx.Objects.InsertCommandList(uint16(id), cl)
	return cl, nil
}

// SetUserHandle attaches the list's own handle for error reporting,
// reported to the card on Finalize so command failures against this list
// can be correlated back to it out of band. Callers set this once, before
// Finalize, typically to the application-visible handle the list was
// just registered under.
func (cl *CommandList) SetUserHandle(h uint64) {
	cl.mu.Lock()
	cl.userHandle = h
	cl.mu.Unlock()
}

// AppendCopy appends a copy sub-command. Valid only while building.
func (cl *CommandList) AppendCopy(cp *objects.Copy, size uint64, priority uint8) error {
	return cl.append(&leaf{typ: leafCopy, copy: cp, size: size, priority: priority})
}

// AppendInfer appends an inference-request sub-command. Valid only while
// building.
func (cl *CommandList) AppendInfer(ir *objects.InfReq) error {
	return cl.append(&leaf{typ: leafInfer, infer: ir})
}

func (cl *CommandList) append(l *leaf) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.st != stateBuilding {
		return fmt.Errorf("cmdlist: append is only valid while building")
	}
	cl.nodes = append(cl.nodes, l)
	cl.userIndex = append(cl.userIndex, addressable{node: l, leaf: l})
	cl.editCount++
	return nil
}

// Overwrite translates a user-visible index (which counts every leaf of a
// batched copy-list individually) into its addressable leaf, marks it and
// its parent node (if batched) edited, and rewrites its size/priority. A
// size of zero skips the leaf's execution on the next schedule without
// removing it from the list.
func (cl *CommandList) Overwrite(userIdx int, size uint64, priority uint8) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if userIdx < 0 || userIdx >= len(cl.userIndex) {
		return fmt.Errorf("cmdlist: overwrite index %d out of range", userIdx)
	}
	entry := cl.userIndex[userIdx]
	entry.leaf.edited = true
	entry.leaf.size = size
	entry.leaf.priority = priority
	entry.leaf.skip = size == 0
	if node, ok := entry.node.(*copyListNode); ok {
		node.edited = true
		node.editCount++
	}
	return nil
}

// FinalizeOptions controls the batching optimization finalize runs
// before transmitting.
type FinalizeOptions struct {
	SkipBatching bool
}

// Finalize optionally batches consecutive copy leaves, then
// transmits the list to the card and waits for its create-reply.
func (cl *CommandList) Finalize(goCtx context.Context, opts FinalizeOptions) error {
	cl.mu.Lock()
	if cl.st != stateBuilding {
		cl.mu.Unlock()
		return fmt.Errorf("cmdlist: finalize is only valid while building")
	}
	if !opts.SkipBatching {
		cl.nodes = batchCopyNodes(cl.nodes)
		cl.reindexUserIndex()
	}
	nodes := cl.nodes
	cl.mu.Unlock()

	if err := cl.transmit(goCtx, nodes); err != nil {
		return err
	}

	key := nnpictx.ObjID{Type: wire.ObjCmdList, ID1: int32(cl.ID)}
	rep, err := cl.ctx.WaitCreateCommand(goCtx, key)
	if err != nil {
		return err
	}
	if rep.Class == wire.EventClassCreateFailed {
		return fmt.Errorf("cmdlist: finalize failed: event %d", rep.EventVal)
	}

	cl.mu.Lock()
	userHandle := cl.userHandle
	cl.mu.Unlock()
	if err := cl.ctx.SendUserHandle(goCtx, cmdListUserHandleTag, userHandle); err != nil {
		return fmt.Errorf("cmdlist: report user handle: %w", err)
	}

	cl.mu.Lock()
	cl.st = stateFinalized
	cl.editCount = 0
	cl.mu.Unlock()
	return nil
}

// batchCopyNodes collapses maximal runs of consecutive copy leaves (up to
// 65535 per node) into copyListNode groups, leaving infer leaves as
// standalone nodes. Copy direction and d2d are not checked: every copy
// leaf in a run joins the group, and a run of one stays a standalone leaf.
func batchCopyNodes(nodes []interface{}) []interface{} {
	var out []interface{}
	i := 0
	for i < len(nodes) {
		l, ok := nodes[i].(*leaf)
		if !ok || l.typ != leafCopy {
			out = append(out, nodes[i])
			i++
			continue
		}
		j := i
		var run []*leaf
		for j < len(nodes) && len(run) < 65535 {
			cur, ok := nodes[j].(*leaf)
			if !ok || cur.typ != leafCopy {
				break
			}
			run = append(run, cur)
			j++
		}
		if len(run) > 1 {
			out = append(out, &copyListNode{leaves: run})
		} else {
			out = append(out, run[0])
		}
		i = j
	}
	return out
}

// reindexUserIndex retargets every user-visible leaf entry at its new
// enclosing node after batching regroups leaves into copyListNodes, so
// Overwrite can find the right node to mark edited. Leaf pointers
// themselves are unchanged by batching; only their enclosing node moves.
func (cl *CommandList) reindexUserIndex() {
	leafNode := make(map[*leaf]interface{}, len(cl.userIndex))
	for _, n := range cl.nodes {
		switch v := n.(type) {
		case *leaf:
			leafNode[v] = v
		case *copyListNode:
			for _, l := range v.leaves {
				leafNode[l] = v
			}
		}
	}
	for i := range cl.userIndex {
		cl.userIndex[i].node = leafNode[cl.userIndex[i].leaf]
	}
}

const cmdListPageHeaderSize = 8

// transmit serializes nodes into page-sized frames: the first page begins
// with a 32-bit count of all leaf records, and every leaf, edited or not,
// is a compact 4-byte-index, 1-byte-type, per-type-payload record. The
// edited flags are not consulted.
func (cl *CommandList) transmit(goCtx context.Context, nodes []interface{}) error {
	type record struct {
		idx  uint32
		typ  leafType
		body []byte
	}
	var records []record
	idx := uint32(0)
	for _, n := range nodes {
		switch v := n.(type) {
		case *leaf:
			records = append(records, record{idx: idx, typ: v.typ, body: serializeLeaf(v)})
			idx++
		case *copyListNode:
			for _, l := range v.leaves {
				records = append(records, record{idx: idx, typ: l.typ, body: serializeLeaf(l)})
				idx++
			}
		}
	}

	const maxRecordSize = 4 + 1 + 16
	recordsPerPage := (wire.PageSize - cmdListPageHeaderSize - 4) / maxRecordSize

	total := len(records)
	sent := 0
	first := true
	for sent < total || first {
		n := total - sent
		if n > recordsPerPage {
			n = recordsPerPage
		}
		last := sent+n >= total

		page := make([]byte, cmdListPageHeaderSize)
		binary.LittleEndian.PutUint16(page[0:2], cl.ID)
		var flags byte
		if first {
			flags |= 1
		}
		if last {
			flags |= 2
		}
		page[2] = flags
		if first {
			countBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(countBuf, uint32(total))
			page = append(page, countBuf...)
		}
		for i := 0; i < n; i++ {
			r := records[sent+i]
			rec := make([]byte, 5+len(r.body))
			binary.LittleEndian.PutUint32(rec[0:4], r.idx)
			rec[4] = byte(r.typ)
			copy(rec[5:], r.body)
			page = append(page, rec...)
		}

		if err := cl.ctx.SendCreateCommand(goCtx, wire.OpCreateCmdList, page); err != nil {
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

func serializeLeaf(l *leaf) []byte {
	switch l.typ {
	case leafCopy:
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint16(buf[0:2], l.copy.ID)
		binary.LittleEndian.PutUint64(buf[4:12], l.size)
		buf[12] = l.priority
		if l.skip {
			buf[13] = 1
		}
		return buf
	case leafInfer:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint16(buf[0:2], l.infer.NetworkID)
		binary.LittleEndian.PutUint16(buf[2:4], l.infer.ID)
		return buf
	}
	return nil
}

// Schedule calls Copy.Schedule on every non-skipped copy leaf (which locks
// its host resource and sends that copy's own schedule message), schedules
// every non-skipped infer leaf, then transmits the schedule-cmdlist
// message. The first failure is returned as is: leaves scheduled before it
// keep their host-resource locks, and nothing already sent is rolled back.
func (cl *CommandList) Schedule(goCtx context.Context) error {
	cl.mu.Lock()
	if cl.st != stateFinalized || cl.inFlight {
		cl.mu.Unlock()
		return fmt.Errorf("cmdlist: schedule is only valid on a finalized, idle list")
	}
	nodes := cl.nodes
	cl.mu.Unlock()

	// Copy.Schedule releases its own host-resource lock on send failure
	// (its postSchedule call); the locks taken by earlier leaves are not
	// released here.
	for _, n := range nodes {
		for _, l := range leavesOf(n) {
			if l.typ != leafCopy || l.skip {
				continue
			}
			if err := l.copy.Schedule(goCtx, l.size, l.priority); err != nil {
				return fmt.Errorf("cmdlist: pre-schedule failed: %w", err)
			}
		}
	}
	for _, n := range nodes {
		for _, l := range leavesOf(n) {
			if l.typ == leafInfer && !l.skip {
				if err := l.infer.Schedule(goCtx, objects.SchedParams{NullParams: true}); err != nil {
					return fmt.Errorf("cmdlist: schedule infer leaf: %w", err)
				}
			}
		}
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], cl.ID)
	if err := cl.ctx.Channel().SendFramed(goCtx, channel.RBSchedule, wire.OpScheduleCmdList, buf); err != nil {
		return err
	}

	cl.mu.Lock()
	cl.inFlight = true
	cl.scheduled = true
	cl.mu.Unlock()
	return nil
}

func leavesOf(n interface{}) []*leaf {
	switch v := n.(type) {
	case *leaf:
		return []*leaf{v}
	case *copyListNode:
		return v.leaves
	}
	return nil
}

// Wait blocks until the list transitions back to idle (its scheduled
// work drained), the context breaks, or goCtx is done, polling the list's
// state every millisecond. On return, if any command failed,
// the caller should follow with a WaitErrorListQueryCompletion-style
// query on the list's own error list.
func (cl *CommandList) Wait(goCtx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		cl.mu.Lock()
		inFlight := cl.inFlight
		cl.mu.Unlock()
		if !inFlight {
			return nil
		}
		if cl.ctx.Broken() {
			return fmt.Errorf("cmdlist: %w", cl.ctx.BrokenReason())
		}
		select {
		case <-goCtx.Done():
			return goCtx.Err()
		case <-ticker.C:
		}
	}
}

// MarkIdle transitions the list back to idle and releases the
// host-resource device locks its non-skipped copy leaves took in
// Schedule. OnComplete and OnFailed call it for a cmdlist-scoped event;
// completions of individual leaves are not tracked.
func (cl *CommandList) MarkIdle() {
	cl.mu.Lock()
	cl.inFlight = false
	nodes := cl.nodes
	cl.mu.Unlock()
	for _, n := range nodes {
		for _, l := range leavesOf(n) {
			if l.typ == leafCopy && !l.skip {
				l.copy.OnComplete(wire.EventReport{})
			}
		}
	}
}

// OnComplete implements context.Completable, satisfied so the list can be
// registered in the object DB and receive a cmdlist-scoped completion
// notification directly (in addition to its leaves receiving their own).
func (cl *CommandList) OnComplete(ev wire.EventReport) { cl.MarkIdle() }

// OnFailed implements context.Failable.
func (cl *CommandList) OnFailed(ev wire.EventReport) { cl.MarkIdle() }

// ClearErrors resets this list's local error list. It sends no query to
// the card, so the card's copy of the list is not cleared.
func (cl *CommandList) ClearErrors() {
	cl.errList.ClearRequestSucceeded()
}

// Destroy is fire-and-forget if the list never finalized or the context
// is card-fatal; otherwise it sends the destroy framing.
func (cl *CommandList) Destroy(goCtx context.Context) error {
	cl.mu.Lock()
	st := cl.st
	cl.st = stateDestroyed
	cl.mu.Unlock()

	defer cl.ctx.CmdListIDs.Free(uint32(cl.ID))
	cl.ctx.Objects.RemoveCommandList(cl.ID)

	if st == stateBuilding || cl.ctx.CardFatal() {
		return nil
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], cl.ID)
	return cl.ctx.Channel().SendFramed(goCtx, channel.RBCreate, wire.OpDestroyCmdList, buf)
}
