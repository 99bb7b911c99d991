package context

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-nnpi/internal/channel"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// pipeConn is a minimal channel.Conn for driving a Context's dispatch
// loop in tests: the inbound side blocks like a real fd until something
// is injected, and the outbound side is captured for inspection.
type pipeConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

func newPipeConn() *pipeConn {
	pr, pw := io.Pipe()
	return &pipeConn{pr: pr, pw: pw}
}

func (c *pipeConn) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *pipeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *pipeConn) Close() error {
	c.pw.Close()
	return c.pr.Close()
}

func (c *pipeConn) inject(b []byte) {
	go func() { _, _ = c.pw.Write(b) }()
}

func buildFrame(opcode wire.Opcode, chanID uint16, payload []byte) []byte {
	hdr := wire.MarshalFrameHeader(wire.FrameHeader{Opcode: opcode, ChanID: chanID, Length: uint16(len(payload))})
	padded := make([]byte, wire.Align(len(payload)))
	copy(padded, payload)
	return append(hdr, padded...)
}

func newTestContext(t *testing.T, conn channel.Conn) *Context {
	t.Helper()
	return New(Config{
		ID:   1,
		Conn: conn,
		ChanCfg: channel.Config{
			CmdRBPages:  2,
			RespRBPages: 2,
		},
	})
}

func TestCreateDevResRoundTrip(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ev := wire.EventReport{Class: wire.EventClassCreateSuccess, ObjType: wire.ObjDevRes, ID1: 0, ID1Valid: true}
		conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	}()

	id, err := ctx.CreateDevRes(context.Background(), wire.CreateDevResReq{ByteSize: 4096, Depth: 1, Align: 1})
	require.NoError(t, err)
	require.Equal(t, uint16(0), id)
}

func TestCreateDevResFailureFreesID(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ev := wire.EventReport{Class: wire.EventClassCreateFailed, ObjType: wire.ObjDevRes, ID1: 0, ID1Valid: true, EventVal: 7}
		conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	}()

	_, err := ctx.CreateDevRes(context.Background(), wire.CreateDevResReq{ByteSize: 4096, Depth: 1, Align: 1})
	require.Error(t, err)

	// the failed allocation's id must have been returned to the pool
	id, err := ctx.DevResIDs.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
}

func TestCreateDevResContextCanceled(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ctx.CreateDevRes(cctx, wire.CreateDevResReq{ByteSize: 4096, Depth: 1, Align: 1})
	require.Error(t, err)
}

func TestCardFatalDriverEventBreaksContextAndClearsObjects(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ctx.Objects.InsertDevRes(3, "some-devres")

	ev := wire.EventReport{Class: wire.EventClassCardFatalDriver, EventVal: 99}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))

	require.Eventually(t, func() bool { return ctx.Broken() }, time.Second, 5*time.Millisecond)
	require.True(t, ctx.CardFatal())

	_, ok := ctx.Objects.GetDevRes(3)
	require.False(t, ok, "card-fatal-driver must clear every child object")
}

func TestContextFatalEventBreaksOnlyThisContext(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ev := wire.EventReport{Class: wire.EventClassContextFatal, EventVal: 5}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))

	require.Eventually(t, func() bool { return ctx.Broken() }, time.Second, 5*time.Millisecond)
	require.False(t, ctx.CardFatal())
}

func TestAbortRequestEventMarksAborted(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ev := wire.EventReport{Class: wire.EventClassAbortRequest}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))

	require.Eventually(t, func() bool { return ctx.Aborted() }, time.Second, 5*time.Millisecond)
}

func TestAbortRequestUnblocksWaitMarker(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)

	marker, err := ctx.CreateMarker(context.Background())
	require.NoError(t, err)

	ev := wire.EventReport{Class: wire.EventClassAbortRequest}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))

	err = ctx.WaitMarker(context.Background(), marker)
	require.Error(t, err, "an abort-request event must unblock a pending marker wait, not hang forever")
	require.True(t, ctx.Aborted())

	waitErr := ctx.WaitCriticalError(context.Background())
	require.Error(t, waitErr, "abort must also populate the critical-error register")

	ctx.Destroy()
}

func TestWaitMarkerCompletesOnSyncDone(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	marker, err := ctx.CreateMarker(context.Background())
	require.NoError(t, err)

	done := wire.ChanSyncDone{Counter: SyncPointFromMarker(marker).Val(), Failed: false}
	buf := make([]byte, 4)
	buf[0] = byte(done.Counter)
	buf[1] = byte(done.Counter >> 8)
	conn.inject(buildFrame(wire.OpChanSyncDone, 1, buf))

	err = ctx.WaitMarker(context.Background(), marker)
	require.NoError(t, err)
}

func TestWaitMarkerUnblocksWhenBroken(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	marker, err := ctx.CreateMarker(context.Background())
	require.NoError(t, err)

	ev := wire.EventReport{Class: wire.EventClassContextFatal, EventVal: 1}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))

	err = ctx.WaitMarker(context.Background(), marker)
	require.Error(t, err)
}

func TestDestroyKillsChannel(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)

	ctx.Destroy()
	require.True(t, ctx.Broken())
	require.True(t, ctx.Channel().Closed())
}

func TestChannelKilledMarksContextBroken(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)

	conn.Close()

	require.Eventually(t, func() bool { return ctx.Broken() }, time.Second, 5*time.Millisecond)
}

func TestWaitCriticalErrorDelivered(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ev := wire.EventReport{Class: wire.EventClassCardFatal, EventVal: 3}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))

	err := ctx.WaitCriticalError(context.Background())
	require.Error(t, err)
}

func TestRecoverFailsWhenNotBroken(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	err := ctx.Recover(context.Background())
	require.ErrorIs(t, err, ErrNotBroken)
}

func TestRecoverRefusesCardFatal(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ev := wire.EventReport{Class: wire.EventClassCardFatalDriver, EventVal: 1}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	require.Eventually(t, func() bool { return ctx.Broken() }, time.Second, 5*time.Millisecond)

	err := ctx.Recover(context.Background())
	require.ErrorIs(t, err, ErrRecoverCardFatal)
}

func TestRecoverRefusesAborted(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ev := wire.EventReport{Class: wire.EventClassAbortRequest}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	require.Eventually(t, func() bool { return ctx.Broken() }, time.Second, 5*time.Millisecond)

	err := ctx.Recover(context.Background())
	require.ErrorIs(t, err, ErrRecoverAborted)
}

func TestRecoverClearsNonFatalBreakAndAcceptsNewWork(t *testing.T) {
	conn := newPipeConn()
	ctx := newTestContext(t, conn)
	defer ctx.Destroy()

	ev := wire.EventReport{Class: wire.EventClassContextFatal, EventVal: 5}
	conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	require.Eventually(t, func() bool { return ctx.Broken() }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.inject(buildFrame(wire.OpChanExecErrorList, 1, []byte{0, 0, 0, 0}))
	}()

	err := ctx.Recover(context.Background())
	require.NoError(t, err)
	require.False(t, ctx.Broken())
	require.False(t, ctx.CardFatal())
	require.False(t, ctx.Aborted())
}
