package objects

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-nnpi/internal/hostres"
	"github.com/behrlich/go-nnpi/internal/transport"
	"github.com/behrlich/go-nnpi/internal/wire"
)

func TestValidateHostDeviceDirectionC2H(t *testing.T) {
	require.NoError(t, validateHostDeviceDirection(hostres.UsageOutput, transport.UsageOutput, true))
	require.Error(t, validateHostDeviceDirection(hostres.UsageInput, transport.UsageOutput, true))
}

func TestValidateHostDeviceDirectionH2C(t *testing.T) {
	require.NoError(t, validateHostDeviceDirection(hostres.UsageInput, transport.UsageInput, false))
	require.Error(t, validateHostDeviceDirection(hostres.UsageOutput, transport.UsageInput, false))
}

func TestNewHostDeviceCopyRoundTrip(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)

	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.NoError(t, err)
	require.Equal(t, uint16(0), cp.ID)
	require.False(t, cp.isC2H)
}

func TestNewHostDeviceCopyRejectsDirectionMismatch(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageOutput)

	_, err = NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.Error(t, err, "h2c copy over an output-only host resource must be rejected before any wire traffic")
}

func TestNewHostDeviceCopyFailureFreesID(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)

	injectCreateFailed(conn, wire.ObjCopy, 0, true, 0, false, 9)
	_, err = NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.Error(t, err)

	id, err := ctx.CopyIDs.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint32(0), id, "copy id must be returned to the pool on create failure")
}

func TestNewDeviceDeviceCopyRequiresEqualSize(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	src, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageP2PSource)
	require.NoError(t, err)

	injectCreateSuccess(conn, wire.ObjDevRes, 1, true, 0, false)
	dst, err := CreateDevRes(mustBackground(), ctx, 2048, 1, 1, transport.UsageP2PDestination)
	require.NoError(t, err)

	_, err = NewDeviceDeviceCopy(mustBackground(), ctx, src, dst)
	require.Error(t, err)
}

func TestNewDeviceDeviceCopyRoundTrip(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	src, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageP2PSource)
	require.NoError(t, err)

	injectCreateSuccess(conn, wire.ObjDevRes, 1, true, 0, false)
	dst, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageP2PDestination)
	require.NoError(t, err)

	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewDeviceDeviceCopy(mustBackground(), ctx, src, dst)
	require.NoError(t, err)
	require.True(t, cp.isD2D)
	require.Equal(t, uint64(4096), cp.minSize)
}

func TestNewSubresourceCopyRoundTrip(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewSubresourceCopy(mustBackground(), ctx)
	require.NoError(t, err)
	require.True(t, cp.subres)
}

func TestScheduleDefaultsSizeToMinSize(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)
	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.NoError(t, err)

	require.NoError(t, cp.Schedule(mustBackground(), 0, 0))
}

func TestScheduleRejectsSizeAboveMinSize(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 1024, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)
	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.NoError(t, err)

	err = cp.Schedule(mustBackground(), 8192, 0)
	require.Error(t, err)
}

func TestScheduleRejectsBrokenHostResource(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)
	hr.MarkFailed()

	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.NoError(t, err)

	err = cp.Schedule(mustBackground(), 0, 0)
	require.Error(t, err)
}

func TestOnFailedMarksHostResourceBroken(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)
	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.NoError(t, err)

	require.NoError(t, cp.Schedule(mustBackground(), 0, 0))
	cp.OnFailed(wire.EventReport{})

	require.True(t, hr.Broken())
	require.False(t, cp.locked)
}

func TestOnCompleteUnlocksHostResource(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjDevRes, 0, true, 0, false)
	dr, err := CreateDevRes(mustBackground(), ctx, 4096, 1, 1, transport.UsageInput)
	require.NoError(t, err)

	hr := newHostRes(4096, hostres.UsageInput)
	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewHostDeviceCopy(mustBackground(), ctx, hr, dr, false)
	require.NoError(t, err)

	require.NoError(t, cp.Schedule(mustBackground(), 0, 0))
	cp.OnComplete(wire.EventReport{})

	require.False(t, cp.locked)
	require.False(t, hr.Broken())
}

func TestDestroyReleasesCopyID(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	injectCreateSuccess(conn, wire.ObjCopy, 0, true, 0, false)
	cp, err := NewSubresourceCopy(mustBackground(), ctx)
	require.NoError(t, err)

	require.NoError(t, cp.Destroy(mustBackground()))

	_, ok := ctx.Objects.GetCopy(cp.ID)
	require.False(t, ok)

	id, err := ctx.CopyIDs.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
}
