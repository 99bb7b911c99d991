// Package context implements the inference context: the per-application
// handle onto one card that owns a channel, the four child-object ID
// pools, the create-reply registry, the critical-error register, the
// exec-error list accumulator, and marker/sync bookkeeping. It is the
// library's largest component, mirroring nnpiInfContext in the original
// driver.
package context

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/behrlich/go-nnpi/internal/channel"
	"github.com/behrlich/go-nnpi/internal/ida"
	"github.com/behrlich/go-nnpi/internal/logging"
	"github.com/behrlich/go-nnpi/internal/objdb"
	"github.com/behrlich/go-nnpi/internal/transport"
	"github.com/behrlich/go-nnpi/internal/waitqueue"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// Per-namespace ID pool sizes. The card protocol addresses every child
// object kind with a 16-bit ID.
const (
	maxDevRes   = 1 << 16
	maxCopies   = 1 << 16
	maxDevNets  = 1 << 16
	maxCmdLists = 1 << 16
)

// Context owns one duplex channel to a card and every child object
// reachable through it.
type Context struct {
	ID            uint32
	correlationID uuid.UUID

	ch        *channel.Channel
	channelFD int32
	tport     transport.Transport
	logger    *logging.Logger

	Objects *objdb.DB
	replies *createReplyRegistry
	errList *ExecErrorList

	DevResIDs   *ida.IDA
	CopyIDs     *ida.IDA
	DevNetIDs   *ida.IDA
	CmdListIDs  *ida.IDA

	// stateWQ's own mutex guards broken/brokenReason/aborted/cardFatal, not
	// a separate lock: every writer (markBroken, Abort, Destroy, Recover,
	// the card-fatal-driver and card-fatal event handlers) mutates them via
	// UpdateAndNotify, and the two blocking waits that read them from
	// inside a stateWQ predicate (WaitMarker, WaitErrorListQueryCompletion)
	// use the lock-already-held accessors below instead of re-entering the
	// same mutex.
	stateWQ      *waitqueue.WaitQueue
	broken       bool
	brokenReason error
	aborted      bool
	cardFatal    bool

	critMu             sync.Mutex
	criticalErr        error
	criticalErrIsAbort bool
	critWQ             *waitqueue.WaitQueue

	syncMu       sync.Mutex
	nextSync     SyncPoint
	lastComplete SyncPoint

	// failedSync holds the marker value of every sync point whose
	// create-sync-request the card reported as failed, guarded by
	// stateWQ's lock (like broken/aborted) since WaitMarker checks it
	// from inside a stateWQ predicate.
	failedSync map[uint32]struct{}

	p2pMu  sync.Mutex
	p2pTxn uint32
}

// Config parameterizes context construction.
type Config struct {
	ID        uint32
	ChannelFD int32 // raw fd for ioctls that address a channel directly (map/unmap host resource); 0 for fake connections in tests
	Transport transport.Transport
	Conn      channel.Conn
	ChanCfg   channel.Config
}

// New builds a context over an already-opened channel connection and
// starts routing events from it. The dispatch loop and event router are
// wired together here: New installs the context's own handleEvent as the
// channel's Handler.
func New(cfg Config) *Context {
	c := &Context{
		ID:            cfg.ID,
		correlationID: uuid.New(),
		channelFD:     cfg.ChannelFD,
		tport:         cfg.Transport,
		logger:        logging.Default().WithContext(int(cfg.ID)),
		Objects:       objdb.New(),
		replies:       newCreateReplyRegistry(),
		errList:       NewExecErrorList(),
		DevResIDs:     ida.New(maxDevRes),
		CopyIDs:       ida.New(maxCopies),
		DevNetIDs:     ida.New(maxDevNets),
		CmdListIDs:    ida.New(maxCmdLists),
		stateWQ:       waitqueue.New(),
		critWQ:        waitqueue.New(),
	}

	chanCfg := cfg.ChanCfg
	chanCfg.ID = cfg.ID
	chanCfg.IsContext = true
	chanCfg.Handler = c.handleEvent
	c.ch = channel.New(cfg.Conn, chanCfg)

	return c
}

// CorrelationID returns the context's process-lifetime correlation ID.
// The ID is not added to the context's log lines or error values; callers
// that want it in their own diagnostics read it here.
func (c *Context) CorrelationID() uuid.UUID { return c.correlationID }

// Channel returns the context's underlying channel, for callers building
// child objects that need to send frames directly (copy scheduling,
// command list transmission).
func (c *Context) Channel() *channel.Channel { return c.ch }

// ChannelFD returns the raw channel file descriptor, needed by any
// ioctl that addresses the channel directly (map/unmap host resource
// into the channel).
func (c *Context) ChannelFD() int32 { return c.channelFD }

// Transport returns the kernel transport this context's card was opened
// through, for child objects that issue their own ioctls (mapping a host
// resource into the channel before binding a copy to it).
func (c *Context) Transport() transport.Transport { return c.tport }

// Destroy tears the context's channel down and marks the context broken;
// the ID pools are left as they are. Callers are responsible for destroying child objects first; Destroy
// does not implicitly cascade (that ordering lives in the process-wide
// exit finalizer, which destroys child object kinds before their owning
// contexts).
func (c *Context) Destroy() {
	c.ch.Kill(true)
	c.stateWQ.UpdateAndNotify(func() {
		c.broken = true
		c.brokenReason = fmt.Errorf("context: destroyed")
	})
}

// markBroken records the reason a context stopped accepting new work and
// wakes anything blocked on Broken() becoming true.
func (c *Context) markBroken(reason error) {
	c.stateWQ.UpdateAndNotify(func() {
		if !c.broken {
			c.broken = true
			c.brokenReason = reason
		}
	})
	c.logger.Warn("context marked broken", "reason", reason)
}

// Broken reports whether the context has stopped accepting new work,
// either because it was explicitly destroyed, the channel died, or a
// context-fatal event arrived.
func (c *Context) Broken() bool {
	c.stateWQ.Lock()
	defer c.stateWQ.Unlock()
	return c.broken
}

// brokenLocked is Broken's body for callers already holding stateWQ's
// lock, namely the predicates passed to stateWQ.WaitContext: calling the
// exported Broken from inside one of those would re-enter the same
// non-reentrant mutex and deadlock.
func (c *Context) brokenLocked() bool { return c.broken }

// BrokenReason returns the error that caused Broken to become true, or
// nil if the context is still healthy.
func (c *Context) BrokenReason() error {
	c.stateWQ.Lock()
	defer c.stateWQ.Unlock()
	return c.brokenReason
}

// Aborted reports whether the application requested a graceful abort:
// outstanding work is allowed to drain but no new work is accepted.
func (c *Context) Aborted() bool {
	c.stateWQ.Lock()
	defer c.stateWQ.Unlock()
	return c.aborted
}

// Abort requests a graceful shutdown: the context stops accepting new
// scheduling calls but existing in-flight work is left to complete or
// fail on its own.
func (c *Context) Abort() {
	c.stateWQ.UpdateAndNotify(func() {
		c.aborted = true
	})
	c.logger.Info("context abort requested")
}

// CardFatal reports whether this context received a card-fatal-driver or
// card-fatal event.
func (c *Context) CardFatal() bool {
	c.stateWQ.Lock()
	defer c.stateWQ.Unlock()
	return c.cardFatal
}

// GetP2PTransactionID returns the next value in this context's
// peer-to-peer transaction counter, used to correlate a P2P pair-connect
// request across the two contexts that own either side of the pairing.
func (c *Context) GetP2PTransactionID() uint32 {
	c.p2pMu.Lock()
	defer c.p2pMu.Unlock()
	c.p2pTxn++
	return c.p2pTxn
}

// sendCreate issues a create-kind command and blocks for its matching
// create-reply, following the send-then-wait pattern every create
// operation (devres, copy, devnet, infreq, cmdlist) shares.
func (c *Context) sendCreate(ctx context.Context, rbID int, opcode wire.Opcode, payload []byte, key ObjID) (wire.EventReport, error) {
	if c.Broken() {
		return wire.EventReport{}, fmt.Errorf("context: broken: %w", c.BrokenReason())
	}
	if err := c.ch.SendFramed(ctx, rbID, opcode, payload); err != nil {
		return wire.EventReport{}, err
	}
	return c.replies.Wait(ctx, key, c.Broken)
}

// CreateDevRes creates a device resource and blocks until the card
// replies with its assigned ID or a failure.
func (c *Context) CreateDevRes(ctx context.Context, req wire.CreateDevResReq) (uint16, error) {
	id, err := c.DevResIDs.Alloc()
	if err != nil {
		return 0, fmt.Errorf("context: devres id space exhausted: %w", err)
	}
	req.ProtocolID = uint16(id)

	rep, err := c.sendCreate(ctx, channel.RBCreate, wire.OpCreateDevRes, wire.MarshalCreateDevResReq(req), ObjID{Type: wire.ObjDevRes, ID1: int32(id)})
	if err != nil {
		c.DevResIDs.Free(id)
		return 0, err
	}
	if rep.Class == wire.EventClassCreateFailed {
		c.DevResIDs.Free(id)
		return 0, fmt.Errorf("context: create devres failed: event %d", rep.EventVal)
	}
	return uint16(id), nil
}

// DestroyDevRes tears down a device resource and returns its ID to the
// pool. The card side is torn down fire-and-forget: destroy commands
// don't wait for a reply, matching the original's asynchronous release
// path.
func (c *Context) DestroyDevRes(ctx context.Context, id uint16) error {
	defer c.DevResIDs.Free(uint32(id))
	c.Objects.RemoveDevRes(id)
	buf := make([]byte, 8)
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	return c.ch.SendFramed(ctx, channel.RBCreate, wire.OpDestroyDevRes, buf)
}

// MarkDevResDirty tells the card a resource's host-visible contents
// changed since the last copy that read it, so cached device-side state
// (if any) must be invalidated before the next read.
func (c *Context) MarkDevResDirty(ctx context.Context, id uint16) error {
	buf := make([]byte, 8)
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	return c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpMarkDevResDirty, buf)
}

// AllocDevNetID reserves the next device-network ID without sending a
// create command; device network creation is a multi-page chained
// transmission owned by internal/objects, which calls this first to know
// the ID before it starts framing pages.
func (c *Context) AllocDevNetID() (uint16, error) {
	id, err := c.DevNetIDs.Alloc()
	if err != nil {
		return 0, fmt.Errorf("context: devnet id space exhausted: %w", err)
	}
	return uint16(id), nil
}

// FreeDevNetID removes a device network from the object DB and releases
// its ID, called when the card reports the network destroyed
// (DevNet.OnDestroyed) and when its creation fails.
func (c *Context) FreeDevNetID(id uint16) {
	c.Objects.RemoveDevNet(id)
	c.DevNetIDs.Free(uint32(id))
}

// AwaitDevNetCreated blocks for the create-reply of a device network
// whose ID was already reserved via AllocDevNetID (the create command
// itself is sent by internal/objects as the last page of the chain).
func (c *Context) AwaitDevNetCreated(ctx context.Context, id uint16) error {
	rep, err := c.replies.Wait(ctx, ObjID{Type: wire.ObjDevNet, ID1: int32(id)}, c.Broken)
	if err != nil {
		return err
	}
	if rep.Class == wire.EventClassCreateFailed {
		return fmt.Errorf("context: create devnet failed: event %d", rep.EventVal)
	}
	return nil
}

// SendCreateCommand sends an arbitrary create-kind frame on the create
// ring buffer without waiting, for callers (command list finalize, batch
// creation) that collect several create-replies together via
// WaitCreateCommand instead of one at a time.
func (c *Context) SendCreateCommand(ctx context.Context, opcode wire.Opcode, payload []byte) error {
	if c.Broken() {
		return fmt.Errorf("context: broken: %w", c.BrokenReason())
	}
	return c.ch.SendFramed(ctx, channel.RBCreate, opcode, payload)
}

// WaitCreateCommand blocks for a create-reply matching key, previously
// sent via SendCreateCommand.
func (c *Context) WaitCreateCommand(ctx context.Context, key ObjID) (wire.EventReport, error) {
	return c.replies.Wait(ctx, key, c.Broken)
}

// ScheduleCopy schedules a previously created copy command for
// execution, choosing the small or large wire variant by size.
func (c *Context) ScheduleCopy(ctx context.Context, copyID uint16, size uint64, priority uint8) error {
	if c.Aborted() {
		return fmt.Errorf("context: aborted, not accepting new work")
	}
	if size <= wire.MaxSmallCopySize {
		payload := wire.MarshalScheduleCopySmall(wire.ScheduleCopySmall{CopyID: copyID, Size: uint32(size), Priority: priority})
		return c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpScheduleCopy, payload)
	}
	payload := wire.MarshalScheduleCopyLarge(wire.ScheduleCopyLarge{CopyID: copyID, Size: size, Priority: priority})
	return c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpScheduleCopyLarge, payload)
}

// CreateMarker allocates the next sync point value and sends a sync
// request for it, returning the 17-bit external marker the caller hands
// back to WaitMarker.
func (c *Context) CreateMarker(ctx context.Context) (uint32, error) {
	c.syncMu.Lock()
	counter := c.nextSync.Inc()
	marker := c.nextSync.Marker()
	c.syncMu.Unlock()

	if err := c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpSyncRequest, wire.MarshalSyncRequest(wire.SyncRequest{Counter: counter})); err != nil {
		return 0, err
	}
	return marker, nil
}

// ErrSyncPointFailed is returned by WaitMarker when the card reported
// that the marker's underlying create-sync-request failed; the caller's
// wait would otherwise hang or block until the context breaks for an
// unrelated reason, since a failed sync point never completes.
var ErrSyncPointFailed = fmt.Errorf("context: sync point create failed")

// syncFailedLocked is the failedSync lookup for callers already holding
// stateWQ's lock (the predicate passed to WaitContext below).
func (c *Context) syncFailedLocked(marker uint32) bool {
	_, failed := c.failedSync[marker]
	return failed
}

// markSyncFailed records that the sync point identified by the card's
// raw 16-bit counter failed to create, interpreting the counter against
// the last-observed completion to pick the same wrap epoch WaitMarker's
// caller is using.
func (c *Context) markSyncFailed(counter uint16) {
	c.syncMu.Lock()
	sp := c.lastComplete
	sp.Set(counter)
	marker := sp.Marker()
	c.syncMu.Unlock()

	c.stateWQ.UpdateAndNotify(func() {
		if c.failedSync == nil {
			c.failedSync = make(map[uint32]struct{})
		}
		c.failedSync[marker] = struct{}{}
	})
	c.logger.Warn("sync point create failed", "counter", counter, "marker", marker)
}

// WaitMarker blocks until the card reports it has completed the given
// sync point (or every sync point behind it), the point's own
// create-sync-request failed, or the context breaks. A failed sync point
// for one marker never affects any other marker's outcome, since
// failedSync is keyed by the full marker value.
func (c *Context) WaitMarker(ctx context.Context, marker uint32) error {
	target := SyncPointFromMarker(marker)
	var failed bool
	err := c.stateWQ.WaitContext(ctx, func() bool {
		if c.syncFailedLocked(marker) {
			failed = true
			return true
		}
		c.syncMu.Lock()
		reached := c.lastComplete.GreaterOrEqual(target)
		c.syncMu.Unlock()
		return reached || c.brokenLocked()
	})
	if err != nil {
		return err
	}
	if failed {
		return ErrSyncPointFailed
	}
	if c.Broken() {
		return fmt.Errorf("context: broken while waiting for marker: %w", c.BrokenReason())
	}
	return nil
}

// SendQueryErrorList issues a query for the context's accumulated
// exec-error list. clear requests the card also reset its own list after
// the query completes.
func (c *Context) SendQueryErrorList(ctx context.Context, clear bool) error {
	c.errList.StartQuery()
	var flags uint16
	if clear {
		flags = 1
	}
	buf := make([]byte, 8)
	buf[0] = byte(flags)
	return c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpQueryErrorList, buf)
}

// WaitErrorListQueryCompletion blocks until the last SendQueryErrorList
// call's response finishes accumulating across every page.
func (c *Context) WaitErrorListQueryCompletion(ctx context.Context) error {
	err := c.stateWQ.WaitContext(ctx, func() bool {
		return c.errList.Completed() || c.brokenLocked()
	})
	if err != nil {
		return err
	}
	if c.Broken() && !c.errList.Completed() {
		return fmt.Errorf("context: broken while waiting for error list: %w", c.BrokenReason())
	}
	return nil
}

// ParseExecError returns the descriptors of the last completed
// exec-error-list query.
func (c *Context) ParseExecError() []wire.ExecErrorDescriptor {
	return c.errList.Descriptors()
}

// WaitCriticalError blocks until a card-fatal or context-fatal event
// installs a critical error, or ctx is done first.
func (c *Context) WaitCriticalError(ctx context.Context) error {
	c.critMu.Lock()
	if c.criticalErr != nil {
		err := c.criticalErr
		c.critMu.Unlock()
		return err
	}
	c.critMu.Unlock()

	err := c.critWQ.WaitContext(ctx, func() bool {
		c.critMu.Lock()
		defer c.critMu.Unlock()
		return c.criticalErr != nil
	})
	if err != nil {
		return err
	}
	c.critMu.Lock()
	defer c.critMu.Unlock()
	return c.criticalErr
}

func (c *Context) setCriticalError(err error) {
	c.critWQ.UpdateAndNotify(func() {
		c.critMu.Lock()
		if c.criticalErr == nil {
			c.criticalErr = err
		}
		c.critMu.Unlock()
	})
}

// setCriticalErrorAbort installs err as the critical error, and unlike
// setCriticalError overwrites an already-latched non-abort error so a
// graceful abort is what callers observe; a second abort never overwrites
// the first.
func (c *Context) setCriticalErrorAbort(err error) {
	c.critWQ.UpdateAndNotify(func() {
		c.critMu.Lock()
		if c.criticalErr == nil || !c.criticalErrIsAbort {
			c.criticalErr = err
			c.criticalErrIsAbort = true
		}
		c.critMu.Unlock()
	})
}

// TraceUserData attaches an opaque, application-supplied tag to the
// context's trace stream, purely diagnostic and never interpreted by
// this library.
func (c *Context) TraceUserData(ctx context.Context, key uint32, value uint64) error {
	buf := make([]byte, 16)
	buf[0] = byte(key)
	buf[1] = byte(key >> 8)
	buf[2] = byte(key >> 16)
	buf[3] = byte(key >> 24)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(value >> (8 * i))
	}
	return c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpTraceUserData, buf)
}

// SendUserHandle forwards an application-defined 64-bit handle to the
// card alongside a small opcode tag, generalizing the original
// single-purpose "send infer icd info" command into a namespaced
// pass-through the application can use for any out-of-band correlation
// data.
func (c *Context) SendUserHandle(ctx context.Context, tag uint16, handle uint64) error {
	buf := make([]byte, 16)
	buf[0] = byte(tag)
	buf[1] = byte(tag >> 8)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(handle >> (8 * i))
	}
	return c.ch.SendFramed(ctx, channel.RBSchedule, wire.OpSendUserHandle, buf)
}

// ErrNotBroken is returned by Recover when the context is not currently
// broken; recovery is only meaningful after a break.
var ErrNotBroken = fmt.Errorf("context: recover: not broken")

// ErrRecoverCardFatal is returned by Recover when the break was a
// card-fatal event: the card itself needs a reset, no in-process
// recovery is possible, and the caller must destroy the context instead.
var ErrRecoverCardFatal = fmt.Errorf("context: recover: card-fatal")

// ErrRecoverAborted is returned by Recover when the break was a graceful
// abort: the application requested the shutdown, so recovery is refused
// in favor of destroy.
var ErrRecoverAborted = fmt.Errorf("context: recover: aborted")

// Recover implements the context recovery contract. It fails immediately
// if the context isn't broken, refuses to recover a card-fatal or
// aborted break (those require destroying the context instead), and
// otherwise snapshots the critical-error register, clears it, and issues
// a clear-variant exec-error-list query. If that query fails the
// snapshot is restored, so a context that couldn't actually be cleared
// on the card side is not reported healthy.
func (c *Context) Recover(ctx context.Context) error {
	if !c.Broken() {
		return ErrNotBroken
	}
	if c.CardFatal() {
		return ErrRecoverCardFatal
	}
	if c.Aborted() {
		return ErrRecoverAborted
	}

	c.critMu.Lock()
	snapshot := c.criticalErr
	snapshotIsAbort := c.criticalErrIsAbort
	c.criticalErr = nil
	c.criticalErrIsAbort = false
	c.critMu.Unlock()

	restore := func() {
		c.critMu.Lock()
		if c.criticalErr == nil {
			c.criticalErr = snapshot
			c.criticalErrIsAbort = snapshotIsAbort
		}
		c.critMu.Unlock()
	}

	if err := c.SendQueryErrorList(ctx, true); err != nil {
		restore()
		return fmt.Errorf("context: recover: clear error list: %w", err)
	}
	// The context is broken here by definition, so WaitErrorListQueryCompletion
	// (which stops waiting on Broken) cannot be used: wait for the query's
	// pages or for the channel to close.
	if err := c.stateWQ.WaitContext(ctx, func() bool {
		return c.errList.Completed() || c.ch.Closed()
	}); err != nil {
		restore()
		return fmt.Errorf("context: recover: clear error list: %w", err)
	}
	if !c.errList.Completed() {
		restore()
		return fmt.Errorf("context: recover: clear error list: channel closed")
	}
	c.errList.ClearRequestSucceeded()

	c.stateWQ.UpdateAndNotify(func() {
		c.broken = false
		c.brokenReason = nil
		c.aborted = false
		c.cardFatal = false
	})
	return nil
}
