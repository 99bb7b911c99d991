package context

import (
	"fmt"

	"github.com/behrlich/go-nnpi/internal/wire"
)

// Completable is implemented by device-side objects (copy commands,
// inference requests, command lists) that can report asynchronous
// success. internal/objects implements this against its own types; the
// event router only needs the interface to stay decoupled from that
// package (which in turn depends on Context).
type Completable interface {
	OnComplete(ev wire.EventReport)
}

// Failable is implemented by device-side objects that can report
// asynchronous failure, distinct from Completable so a type can opt into
// only the notification it can receive.
type Failable interface {
	OnFailed(ev wire.EventReport)
}

// Destroyable is implemented by device-side objects that need to observe
// their own destroy-acknowledgement, primarily device networks whose
// destroy is otherwise fire-and-forget.
type Destroyable interface {
	OnDestroyed(ev wire.EventReport)
}

// handleEvent is installed as the channel's Handler and implements the
// event routing table: card-fatal-driver and card-fatal events break this
// context and mark it card-fatal, context-fatal events only break it, abort-request events mark it aborted, and everything else
// routes to a specific waiter or child object.
func (c *Context) handleEvent(opcode wire.Opcode, payload []byte) (stop bool) {
	switch opcode {
	case wire.OpEventReport:
		return c.handleEventReport(payload)
	case wire.OpChanSyncDone:
		c.handleSyncDone(payload)
		return false
	case wire.OpChanInfReqFailed:
		c.handleInfReqFailed(payload)
		return false
	case wire.OpChanExecErrorList:
		c.handleExecErrorPage(payload)
		return false
	case wire.OpChannelKilled:
		c.markBroken(fmt.Errorf("context: channel closed"))
		c.setCriticalError(fmt.Errorf("context: channel closed"))
		return true
	default:
		c.logger.Warn("unrecognized event opcode", "opcode", int(opcode))
		return false
	}
}

func (c *Context) handleEventReport(payload []byte) (stop bool) {
	ev, err := wire.UnmarshalEventReport(payload)
	if err != nil {
		c.logger.Warn("malformed event report", "error", err.Error())
		return false
	}

	switch ev.Class {
	case wire.EventClassCardFatalDriver:
		c.stateWQ.UpdateAndNotify(func() {
			c.cardFatal = true
		})
		reason := fmt.Errorf("context: card-fatal-driver event %d", ev.EventVal)
		// Fail every scheduled copy and complete every in-flight
		// command list before wiping the object DB: ClearAll drops
		// the map entries a Copy needs to release its host-resource
		// device lock and a CommandList needs to unblock its waiter,
		// so running these first avoids leaking either.
		c.failScheduledCopies(ev)
		c.completeCommandLists(ev)
		c.Objects.ClearAll()
		c.markBroken(reason)
		c.setCriticalError(reason)
		return true

	case wire.EventClassCardFatal:
		c.stateWQ.UpdateAndNotify(func() {
			c.cardFatal = true
		})
		reason := fmt.Errorf("context: card-fatal event %d", ev.EventVal)
		c.failScheduledCopies(ev)
		c.completeCommandLists(ev)
		c.markBroken(reason)
		c.setCriticalError(reason)
		return false

	case wire.EventClassContextFatal:
		reason := fmt.Errorf("context: context-fatal event %d", ev.EventVal)
		c.failScheduledCopies(ev)
		c.completeCommandLists(ev)
		c.markBroken(reason)
		c.setCriticalError(reason)
		return false

	case wire.EventClassAbortRequest:
		reason := fmt.Errorf("context: graceful abort requested")
		c.Abort()
		c.failScheduledCopies(ev)
		c.completeCommandLists(ev)
		c.markBroken(reason)
		c.setCriticalErrorAbort(reason)
		return false

	case wire.EventClassCreateSuccess, wire.EventClassCreateFailed:
		key := ObjID{Type: ev.ObjType, ID1: AnyID, ID2: AnyID}
		if ev.ID1Valid {
			key.ID1 = int32(ev.ID1)
		}
		if ev.ID2Valid {
			key.ID2 = int32(ev.ID2)
		}
		c.replies.Deliver(key, ev)
		return false

	case wire.EventClassCreateSyncFailed:
		// Unlike an object create-reply, nothing calls replies.Wait for
		// a sync-request key, so routing through the create-reply
		// registry would only leak an unread entry. The sync point's
		// own failed-sync-points set is what WaitMarker actually
		// checks.
		c.markSyncFailed(uint16(ev.EventVal))
		return false

	case wire.EventClassObjectComplete:
		c.routeToObject(ev, func(obj any) {
			if completable, ok := obj.(Completable); ok {
				completable.OnComplete(ev)
			}
		})
		return false

	case wire.EventClassObjectFailed:
		c.routeToObject(ev, func(obj any) {
			if failable, ok := obj.(Failable); ok {
				failable.OnFailed(ev)
			}
		})
		return false

	case wire.EventClassObjectDestroyed:
		c.routeToObject(ev, func(obj any) {
			if destroyable, ok := obj.(Destroyable); ok {
				destroyable.OnDestroyed(ev)
			}
		})
		return false

	default:
		c.logger.Warn("unrecognized event class", "class", int(ev.Class))
		return false
	}
}

// failScheduledCopies fails every copy command the object DB still knows
// about: a copy that holds its host-resource device lock releases it and
// marks that host resource failed. Runs in response to a card-fatal-driver, card-fatal,
// context-fatal, or abort-request event.
func (c *Context) failScheduledCopies(ev wire.EventReport) {
	c.Objects.ForEachCopy(func(obj any) {
		if failable, ok := obj.(Failable); ok {
			failable.OnFailed(ev)
		}
	})
}

// completeCommandLists marks every in-flight command list idle in
// response to the same class of events failScheduledCopies handles,
// unblocking any caller parked in CommandList.Wait.
func (c *Context) completeCommandLists(ev wire.EventReport) {
	c.Objects.ForEachCommandList(func(obj any) {
		if failable, ok := obj.(Failable); ok {
			failable.OnFailed(ev)
		}
	})
}

// routeToObject looks up the child object an object-scoped event refers
// to and invokes cb with it, logging (rather than failing) a lookup miss
// since a race between destroy and an in-flight event is expected, not
// an error.
func (c *Context) routeToObject(ev wire.EventReport, cb func(obj any)) {
	var obj any
	var ok bool
	switch ev.ObjType {
	case wire.ObjCopy:
		obj, ok = c.Objects.GetCopy(ev.ID1)
	case wire.ObjDevRes:
		obj, ok = c.Objects.GetDevRes(ev.ID1)
	case wire.ObjDevNet:
		obj, ok = c.Objects.GetDevNet(ev.ID1)
	case wire.ObjInfReq:
		obj, ok = c.Objects.GetInfReq(ev.ID2, ev.ID1)
	case wire.ObjCmdList:
		obj, ok = c.Objects.GetCommandList(ev.ID1)
	}
	if !ok {
		c.logger.Debug("event for unknown object", "obj_type", int(ev.ObjType), "id1", ev.ID1)
		return
	}
	cb(obj)
}

func (c *Context) handleSyncDone(payload []byte) {
	done, err := wire.UnmarshalChanSyncDone(payload)
	if err != nil {
		c.logger.Warn("malformed sync-done frame", "error", err.Error())
		return
	}
	c.stateWQ.UpdateAndNotify(func() {
		c.syncMu.Lock()
		c.lastComplete.Set(done.Counter)
		c.syncMu.Unlock()
	})
	if done.Failed {
		c.logger.Warn("sync point completed with failure", "counter", done.Counter)
	}
}

func (c *Context) handleInfReqFailed(payload []byte) {
	if len(payload) < 8 {
		c.logger.Warn("short infreq-failed frame", "len", len(payload))
		return
	}
	networkID := uint16(payload[0]) | uint16(payload[1])<<8
	infreqID := uint16(payload[2]) | uint16(payload[3])<<8
	obj, ok := c.Objects.GetInfReq(networkID, infreqID)
	if !ok {
		return
	}
	ev := wire.EventReport{Class: wire.EventClassObjectFailed, ObjType: wire.ObjInfReq, ID1: infreqID, ID1Valid: true, ID2: networkID, ID2Valid: true}
	if failable, ok := obj.(Failable); ok {
		failable.OnFailed(ev)
	}
}

func (c *Context) handleExecErrorPage(payload []byte) {
	page, err := wire.UnmarshalExecErrorListPage(payload)
	if err != nil {
		c.logger.Warn("malformed exec-error-list page", "error", err.Error())
		return
	}
	if err := c.errList.AppendPage(page); err != nil {
		c.logger.Warn("failed to parse exec-error-list page", "error", err.Error())
		return
	}
	c.stateWQ.UpdateAndNotify(func() {})
}
