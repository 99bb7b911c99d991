package objects

import (
	"testing"

	"github.com/stretchr/testify/require"

	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/wire"
)

func createTestDevNet(t *testing.T, ctx *nnpictx.Context, conn *pipeConn, numRes int) *DevNet {
	t.Helper()
	ids := make([]uint16, numRes)
	for i := range ids {
		ids[i] = uint16(i)
	}
	injectCreateSuccess(conn, wire.ObjDevNet, 0, true, 0, false)
	dn, err := CreateDevNet(mustBackground(), ctx, ids, nil)
	require.NoError(t, err)
	return dn
}

func TestCreateInfReqRequiresOutputs(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	dn := createTestDevNet(t, ctx, conn, 2)

	_, err := CreateInfReq(mustBackground(), dn, []uint16{0}, nil, nil)
	require.Error(t, err)
}

func TestCreateInfReqRequiresBoundResources(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	// a network with zero device resources
	injectCreateSuccess(conn, wire.ObjDevNet, 0, true, 0, false)
	dn, err := CreateDevNet(mustBackground(), ctx, nil, nil)
	require.NoError(t, err)

	_, err = CreateInfReq(mustBackground(), dn, nil, []uint16{0}, nil)
	require.Error(t, err)
}

func TestCreateInfReqRoundTrip(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	dn := createTestDevNet(t, ctx, conn, 2)

	injectCreateSuccess(conn, wire.ObjInfReq, 0, true, dn.ID, true)
	ir, err := CreateInfReq(mustBackground(), dn, []uint16{0}, []uint16{1}, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(0), ir.ID)
	require.Equal(t, dn.ID, ir.NetworkID)
	require.True(t, dn.hasInfReq)

	_, ok := ctx.Objects.GetInfReq(dn.ID, ir.ID)
	require.True(t, ok)
}

func TestCreateInfReqFailurePropagates(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	dn := createTestDevNet(t, ctx, conn, 1)

	injectCreateFailed(conn, wire.ObjInfReq, 0, true, dn.ID, true, 13)
	_, err := CreateInfReq(mustBackground(), dn, nil, []uint16{0}, nil)
	require.Error(t, err)
	require.False(t, dn.hasInfReq, "hasInfReq must not be set on failure")
}

func TestInfReqScheduleRejectsWhenContextBroken(t *testing.T) {
	ctx, conn := newTestContext(t)

	dn := createTestDevNet(t, ctx, conn, 2)
	injectCreateSuccess(conn, wire.ObjInfReq, 0, true, dn.ID, true)
	ir, err := CreateInfReq(mustBackground(), dn, []uint16{0}, []uint16{1}, nil)
	require.NoError(t, err)

	ctx.Destroy()

	err = ir.Schedule(mustBackground(), SchedParams{NullParams: true})
	require.Error(t, err)
}

func TestInfReqDestroyRemovesFromObjectDB(t *testing.T) {
	ctx, conn := newTestContext(t)
	defer ctx.Destroy()

	dn := createTestDevNet(t, ctx, conn, 2)
	injectCreateSuccess(conn, wire.ObjInfReq, 0, true, dn.ID, true)
	ir, err := CreateInfReq(mustBackground(), dn, []uint16{0}, []uint16{1}, nil)
	require.NoError(t, err)

	require.NoError(t, ir.Destroy(mustBackground()))

	_, ok := ctx.Objects.GetInfReq(dn.ID, ir.ID)
	require.False(t, ok)
}
