// Package nnpi is the public, handle-based façade over the internal
// context/objects/channel machinery: it opens the host transport, creates
// per-card contexts, and translates opaque handles to and from the
// concrete object types every internal package works with directly.
package nnpi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/go-nnpi/internal/channel"
	"github.com/behrlich/go-nnpi/internal/cmdlist"
	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/handlemap"
	"github.com/behrlich/go-nnpi/internal/hostres"
	"github.com/behrlich/go-nnpi/internal/objects"
	"github.com/behrlich/go-nnpi/internal/transport"
)

// ContextParams configures a new Context: what an application sets
// versus what gets forwarded to the kernel create-channel ioctl.
type ContextParams struct {
	CardNum            int
	Weight             uint8
	ListenDeviceEvents bool
	CmdRingPages       int
	RespRingPages      int
}

// DefaultContextParams returns the ring depth and scheduling weight this
// module uses when an application doesn't need to tune them.
func DefaultContextParams() ContextParams {
	return ContextParams{
		Weight:        1,
		CmdRingPages:  DefaultCmdRingBufferPages,
		RespRingPages: DefaultRespRingBufferPages,
	}
}

var (
	processMu   sync.Mutex
	processTransport transport.Transport
	nextContextID    uint32
	liveContexts     []*Context
)

// Open opens the process-wide connection to the host character device.
// It must be called once before any Context is created; calling it again
// after a successful Open is a no-op.
func Open() error {
	processMu.Lock()
	defer processMu.Unlock()
	if processTransport != nil {
		return nil
	}
	t, err := transport.Open()
	if err != nil {
		return fmt.Errorf("nnpi: open host device: %w", err)
	}
	processTransport = t
	return nil
}

// OpenWithTransport installs a caller-supplied transport (a *MockTransport
// in tests) instead of opening the real host device.
func OpenWithTransport(t transport.Transport) {
	processMu.Lock()
	defer processMu.Unlock()
	processTransport = t
}

// Context is the public, handle-based façade over a card context: every
// child object it creates is registered under an opaque handlemap.Handle
// instead of the internal pointer type, so applications never import an
// internal package.
type Context struct {
	inner   *nnpictx.Context
	handles *handlemap.Map
	metrics *Metrics
}

// NewContext opens a channel to params.CardNum and returns a ready
// Context. Open (or OpenWithTransport) must have been called first.
func NewContext(params ContextParams) (*Context, error) {
	processMu.Lock()
	t := processTransport
	if t == nil {
		processMu.Unlock()
		return nil, fmt.Errorf("nnpi: Open must be called before NewContext")
	}
	id := nextContextID
	nextContextID++
	processMu.Unlock()

	res, err := t.CreateChannel(params.CardNum, transport.CreateChannelArgs{
		Weight:             params.Weight,
		IsContext:          true,
		ListenDeviceEvents: params.ListenDeviceEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("nnpi: create channel: %w", err)
	}

	conn := os.NewFile(uintptr(res.ChannelFD), fmt.Sprintf("nnpi-channel-%d", res.ChannelID))

	inner := nnpictx.New(nnpictx.Config{
		ID:        id,
		ChannelFD: res.ChannelFD,
		Transport: t,
		Conn:      conn,
		ChanCfg: channel.Config{
			CmdRBPages:  params.CmdRingPages,
			RespRBPages: params.RespRingPages,
		},
	})

	c := &Context{inner: inner, handles: handlemap.New(), metrics: NewMetrics()}

	processMu.Lock()
	liveContexts = append(liveContexts, c)
	processMu.Unlock()

	return c, nil
}

// NewContextOverConn builds a Context over a caller-supplied connection
// (a *MockConn in tests) instead of opening a real channel, for exercising
// internal/context logic without a kernel transport at all.
func NewContextOverConn(t transport.Transport, conn channel.Conn, params ContextParams) *Context {
	processMu.Lock()
	id := nextContextID
	nextContextID++
	processMu.Unlock()

	inner := nnpictx.New(nnpictx.Config{
		ID:        id,
		Transport: t,
		Conn:      conn,
		ChanCfg: channel.Config{
			CmdRBPages:  params.CmdRingPages,
			RespRBPages: params.RespRingPages,
		},
	})

	c := &Context{inner: inner, handles: handlemap.New(), metrics: NewMetrics()}
	processMu.Lock()
	liveContexts = append(liveContexts, c)
	processMu.Unlock()
	return c
}

// Metrics returns this context's counters.
func (c *Context) Metrics() *Metrics { return c.metrics }

// Abort requests a graceful shutdown of the context.
func (c *Context) Abort() { c.inner.Abort() }

// Broken reports whether the context has stopped accepting new work.
func (c *Context) Broken() bool { return c.inner.Broken() }

// Recover clears a non-fatal break so the context accepts new work
// again, after the caller has already destroyed every child object left
// over from before the break. A card-fatal or aborted context refuses to
// recover in favor of destroy: device-error and context-broken
// respectively tell the caller which case it hit.
func (c *Context) Recover(goCtx context.Context) error {
	err := c.inner.Recover(goCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nnpictx.ErrRecoverCardFatal):
		return NewError("Recover", ErrDeviceError, "context is card-fatal, destroy it instead of recovering")
	case errors.Is(err, nnpictx.ErrRecoverAborted):
		return NewError("Recover", ErrContextBroken, "context was gracefully aborted, destroy it instead of recovering")
	default:
		return fmt.Errorf("nnpi: recover: %w", err)
	}
}

// CreateHostResource pins size bytes of host memory with the given usage
// flags and returns a handle to it.
func (c *Context) CreateHostResource(size uint64, usage transport.UsageFlags) (handlemap.Handle, error) {
	res, err := c.inner.Transport().CreateHostResource(transport.CreateHostResourceArgs{Size: size, Usage: usage})
	if err != nil {
		return 0, fmt.Errorf("nnpi: create host resource: %w", err)
	}
	hr := hostres.New(res.Handle, size, usage, res.CPUAddr, res.SyncNeeded)
	return c.handles.Insert(hr), nil
}

// DestroyHostResource releases a host resource previously created with
// CreateHostResource.
func (c *Context) DestroyHostResource(h handlemap.Handle) error {
	hr, err := c.lookupHostRes(h)
	if err != nil {
		return err
	}
	c.handles.Remove(h)
	return c.inner.Transport().DestroyHostResource(hr.Handle())
}

// CreateDevRes creates a device resource on this context's card.
func (c *Context) CreateDevRes(goCtx context.Context, size uint64, depth uint32, align uint64, usage transport.UsageFlags) (handlemap.Handle, error) {
	dr, err := objects.CreateDevRes(goCtx, c.inner, size, depth, align, usage)
	if err != nil {
		return 0, err
	}
	return c.handles.Insert(dr), nil
}

// DestroyDevRes destroys a device resource.
func (c *Context) DestroyDevRes(goCtx context.Context, h handlemap.Handle) error {
	dr, err := c.lookupDevRes(h)
	if err != nil {
		return err
	}
	c.handles.Remove(h)
	return dr.Destroy(goCtx)
}

// CreateHostDeviceCopy creates a copy command between a host resource and
// a device resource; c2h selects the direction (device-to-host when true).
func (c *Context) CreateHostDeviceCopy(goCtx context.Context, hostResHandle, devResHandle handlemap.Handle, c2h bool) (handlemap.Handle, error) {
	hr, err := c.lookupHostRes(hostResHandle)
	if err != nil {
		return 0, err
	}
	dr, err := c.lookupDevRes(devResHandle)
	if err != nil {
		return 0, err
	}
	cp, err := objects.NewHostDeviceCopy(goCtx, c.inner, hr, dr, c2h)
	if err != nil {
		return 0, err
	}
	return c.handles.Insert(cp), nil
}

// ScheduleCopy schedules a copy command for execution. size of zero uses
// the endpoints' minimum size.
func (c *Context) ScheduleCopy(goCtx context.Context, h handlemap.Handle, size uint64, priority uint8) error {
	cp, err := c.lookupCopy(h)
	if err != nil {
		return err
	}
	if err := cp.Schedule(goCtx, size, priority); err != nil {
		c.metrics.RecordCopy(size, false)
		return err
	}
	c.metrics.RecordCopy(size, true)
	return nil
}

// DestroyCopy destroys a copy command.
func (c *Context) DestroyCopy(goCtx context.Context, h handlemap.Handle) error {
	cp, err := c.lookupCopy(h)
	if err != nil {
		return err
	}
	c.handles.Remove(h)
	return cp.Destroy(goCtx)
}

// CreateDevNet creates a device network bound to the given device
// resources plus an opaque configuration blob.
func (c *Context) CreateDevNet(goCtx context.Context, devResHandles []handlemap.Handle, config []byte) (handlemap.Handle, error) {
	ids := make([]uint16, 0, len(devResHandles))
	for _, h := range devResHandles {
		dr, err := c.lookupDevRes(h)
		if err != nil {
			return 0, err
		}
		ids = append(ids, dr.ID)
	}
	dn, err := objects.CreateDevNet(goCtx, c.inner, ids, config)
	if err != nil {
		return 0, err
	}
	return c.handles.Insert(dn), nil
}

// DestroyDevNet destroys a device network.
func (c *Context) DestroyDevNet(goCtx context.Context, h handlemap.Handle) error {
	dn, err := c.lookupDevNet(h)
	if err != nil {
		return err
	}
	c.handles.Remove(h)
	return dn.Destroy(goCtx)
}

// CreateInfReq creates an inference request against a device network's
// bound input and output device resources.
func (c *Context) CreateInfReq(goCtx context.Context, netHandle handlemap.Handle, inputHandles, outputHandles []handlemap.Handle, config []byte) (handlemap.Handle, error) {
	dn, err := c.lookupDevNet(netHandle)
	if err != nil {
		return 0, err
	}
	inputIDs, err := c.devResIDs(inputHandles)
	if err != nil {
		return 0, err
	}
	outputIDs, err := c.devResIDs(outputHandles)
	if err != nil {
		return 0, err
	}
	ir, err := objects.CreateInfReq(goCtx, dn, inputIDs, outputIDs, config)
	if err != nil {
		return 0, err
	}
	return c.handles.Insert(ir), nil
}

// ScheduleInfReq schedules an inference request for execution.
func (c *Context) ScheduleInfReq(goCtx context.Context, h handlemap.Handle, params objects.SchedParams) error {
	ir, err := c.lookupInfReq(h)
	if err != nil {
		return err
	}
	if err := ir.Schedule(goCtx, params); err != nil {
		c.metrics.RecordInfer(false)
		return err
	}
	c.metrics.RecordInfer(true)
	return nil
}

// DestroyInfReq destroys an inference request.
func (c *Context) DestroyInfReq(goCtx context.Context, h handlemap.Handle) error {
	ir, err := c.lookupInfReq(h)
	if err != nil {
		return err
	}
	c.handles.Remove(h)
	return ir.Destroy(goCtx)
}

// NewCommandList creates an empty, editable command list.
func (c *Context) NewCommandList(goCtx context.Context) (handlemap.Handle, error) {
	cl, err := cmdlist.New(c.inner)
	if err != nil {
		return 0, err
	}
	h := c.handles.Insert(cl)
	cl.SetUserHandle(uint64(h))
	return h, nil
}

// AppendCopyToList appends a scheduled-copy leaf to a still-building
// command list.
func (c *Context) AppendCopyToList(listHandle, copyHandle handlemap.Handle, size uint64, priority uint8) error {
	cl, err := c.lookupCmdList(listHandle)
	if err != nil {
		return err
	}
	cp, err := c.lookupCopy(copyHandle)
	if err != nil {
		return err
	}
	return cl.AppendCopy(cp, size, priority)
}

// AppendInferToList appends a scheduled-inference leaf to a still-building
// command list.
func (c *Context) AppendInferToList(listHandle, inferHandle handlemap.Handle) error {
	cl, err := c.lookupCmdList(listHandle)
	if err != nil {
		return err
	}
	ir, err := c.lookupInfReq(inferHandle)
	if err != nil {
		return err
	}
	return cl.AppendInfer(ir)
}

// FinalizeCommandList transmits a command list's leaves to the card and
// moves it from building to finalized.
func (c *Context) FinalizeCommandList(goCtx context.Context, h handlemap.Handle, opts cmdlist.FinalizeOptions) error {
	cl, err := c.lookupCmdList(h)
	if err != nil {
		return err
	}
	return cl.Finalize(goCtx, opts)
}

// ScheduleCommandList schedules a finalized command list's leaves for
// execution as a batch.
func (c *Context) ScheduleCommandList(goCtx context.Context, h handlemap.Handle) error {
	cl, err := c.lookupCmdList(h)
	if err != nil {
		return err
	}
	return cl.Schedule(goCtx)
}

// WaitCommandList blocks until a scheduled command list returns to idle.
func (c *Context) WaitCommandList(goCtx context.Context, h handlemap.Handle) error {
	cl, err := c.lookupCmdList(h)
	if err != nil {
		return err
	}
	return cl.Wait(goCtx)
}

// DestroyCommandList destroys a command list.
func (c *Context) DestroyCommandList(goCtx context.Context, h handlemap.Handle) error {
	cl, err := c.lookupCmdList(h)
	if err != nil {
		return err
	}
	c.handles.Remove(h)
	return cl.Destroy(goCtx)
}

// CreateMarker allocates and requests the next sync point, returning the
// marker value WaitMarker later accepts.
func (c *Context) CreateMarker(goCtx context.Context) (uint32, error) {
	return c.inner.CreateMarker(goCtx)
}

// WaitMarker blocks until the card reports it has passed marker. If the
// marker's underlying sync point failed to create on the card, it
// returns promptly with broken-marker instead of hanging.
func (c *Context) WaitMarker(goCtx context.Context, marker uint32) error {
	err := c.inner.WaitMarker(goCtx, marker)
	if errors.Is(err, nnpictx.ErrSyncPointFailed) {
		return NewError("WaitMarker", ErrBrokenMarker, "sync point failed to create on the card")
	}
	return err
}

// Destroy tears the context's channel down. Child objects must be
// destroyed first; use Shutdown to tear an entire process's contexts down
// in the correct order instead of calling this directly in most cases.
func (c *Context) Destroy() {
	c.inner.Destroy()
	c.metrics.Stop()
}

func (c *Context) lookupHostRes(h handlemap.Handle) (*hostres.Resource, error) {
	obj, ok := c.handles.Lookup(h)
	if !ok {
		return nil, NewError("lookup", ErrNoSuchResource, "unknown host resource handle")
	}
	hr, ok := obj.(*hostres.Resource)
	if !ok {
		return nil, NewError("lookup", ErrInvalidArgument, "handle is not a host resource")
	}
	return hr, nil
}

func (c *Context) lookupDevRes(h handlemap.Handle) (*objects.DevRes, error) {
	obj, ok := c.handles.Lookup(h)
	if !ok {
		return nil, NewError("lookup", ErrNoSuchResource, "unknown device resource handle")
	}
	dr, ok := obj.(*objects.DevRes)
	if !ok {
		return nil, NewError("lookup", ErrInvalidArgument, "handle is not a device resource")
	}
	return dr, nil
}

func (c *Context) lookupCopy(h handlemap.Handle) (*objects.Copy, error) {
	obj, ok := c.handles.Lookup(h)
	if !ok {
		return nil, NewError("lookup", ErrNoSuchCopy, "unknown copy handle")
	}
	cp, ok := obj.(*objects.Copy)
	if !ok {
		return nil, NewError("lookup", ErrInvalidArgument, "handle is not a copy")
	}
	return cp, nil
}

func (c *Context) lookupDevNet(h handlemap.Handle) (*objects.DevNet, error) {
	obj, ok := c.handles.Lookup(h)
	if !ok {
		return nil, NewError("lookup", ErrNoSuchNetwork, "unknown device network handle")
	}
	dn, ok := obj.(*objects.DevNet)
	if !ok {
		return nil, NewError("lookup", ErrInvalidArgument, "handle is not a device network")
	}
	return dn, nil
}

func (c *Context) lookupInfReq(h handlemap.Handle) (*objects.InfReq, error) {
	obj, ok := c.handles.Lookup(h)
	if !ok {
		return nil, NewError("lookup", ErrNoSuchInfReq, "unknown inference request handle")
	}
	ir, ok := obj.(*objects.InfReq)
	if !ok {
		return nil, NewError("lookup", ErrInvalidArgument, "handle is not an inference request")
	}
	return ir, nil
}

func (c *Context) lookupCmdList(h handlemap.Handle) (*cmdlist.CommandList, error) {
	obj, ok := c.handles.Lookup(h)
	if !ok {
		return nil, NewError("lookup", ErrNoSuchCmdList, "unknown command list handle")
	}
	cl, ok := obj.(*cmdlist.CommandList)
	if !ok {
		return nil, NewError("lookup", ErrInvalidArgument, "handle is not a command list")
	}
	return cl, nil
}

func (c *Context) devResIDs(handles []handlemap.Handle) ([]uint16, error) {
	ids := make([]uint16, 0, len(handles))
	for _, h := range handles {
		dr, err := c.lookupDevRes(h)
		if err != nil {
			return nil, err
		}
		ids = append(ids, dr.ID)
	}
	return ids, nil
}

// Shutdown tears every live context down in dependency order (command
// lists, then inference requests, networks, copies, and device
// resources, then host resources, then the contexts themselves), so
// nothing is destroyed while a child object still references it. Each
// context's teardown runs concurrently with the others via an errgroup
// so the overall call waits for every context to finish. Errors from the
// individual destroy calls are ignored, so Shutdown returns nil.
func Shutdown(goCtx context.Context) error {
	processMu.Lock()
	contexts := make([]*Context, len(liveContexts))
	copy(contexts, liveContexts)
	liveContexts = nil
	processMu.Unlock()

	g, gctx := errgroup.WithContext(goCtx)
	for _, c := range contexts {
		c := c
		g.Go(func() error { return shutdownContext(gctx, c) })
	}
	return g.Wait()
}

func shutdownContext(goCtx context.Context, c *Context) error {
	for _, entry := range c.handles.Snapshot() {
		if v, ok := entry.Object.(*cmdlist.CommandList); ok {
			_ = v.Destroy(goCtx)
		}
	}
	for _, entry := range c.handles.Snapshot() {
		if v, ok := entry.Object.(*objects.InfReq); ok {
			_ = v.Destroy(goCtx)
		}
	}
	for _, entry := range c.handles.Snapshot() {
		if v, ok := entry.Object.(*objects.DevNet); ok {
			_ = v.Destroy(goCtx)
		}
	}
	for _, entry := range c.handles.Snapshot() {
		if v, ok := entry.Object.(*objects.Copy); ok {
			_ = v.Destroy(goCtx)
		}
	}
	for _, entry := range c.handles.Snapshot() {
		if v, ok := entry.Object.(*objects.DevRes); ok {
			_ = v.Destroy(goCtx)
		}
	}
	for _, entry := range c.handles.Snapshot() {
		if v, ok := entry.Object.(*hostres.Resource); ok {
			_ = c.inner.Transport().DestroyHostResource(v.Handle())
		}
	}
	c.Destroy()
	return nil
}

// PrepareFork acquires the process-wide registry lock ahead of a fork,
// then each live context's handle map lock, in that order. Call this
// immediately before invoking a raw fork; call ParentAfterFork or
// ChildAfterFork immediately after, in the corresponding process.
//
// This module doesn't itself expose a raw fork() (Go's runtime doesn't
// support forking a multi-threaded process safely outside of
// syscall.ForkExec's fork+exec pairing); these hooks exist for a caller
// that forks through cgo or a similar low-level mechanism and needs this
// library's state kept consistent across it.
func PrepareFork() {
	processMu.Lock()
	for _, c := range liveContexts {
		c.handles.Lock()
	}
}

// ParentAfterFork releases the locks PrepareFork acquired, in the parent
// process, where every handle remains valid.
func ParentAfterFork() {
	for _, c := range liveContexts {
		c.handles.Unlock()
	}
	processMu.Unlock()
}

// ChildAfterFork releases the locks PrepareFork acquired and clears every
// context's handle map in the child process: the child inherited no live
// kernel resources, so every handle the parent minted is meaningless
// address space in the child.
func ChildAfterFork() {
	for _, c := range liveContexts {
		c.handles.Reset()
		c.handles.Unlock()
	}
	processMu.Unlock()
}
