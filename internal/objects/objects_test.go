package objects

import (
	"bytes"
	stdcontext "context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/behrlich/go-nnpi/internal/channel"
	nnpictx "github.com/behrlich/go-nnpi/internal/context"
	"github.com/behrlich/go-nnpi/internal/hostres"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// pipeConn drives a Context's dispatch loop the way a real channel fd
// would: reads block until injected, writes are captured for inspection.
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

func newTestContext(t *testing.T) (*nnpictx.Context, *pipeConn) {
	t.Helper()
	conn := newPipeConn()
	ctx := nnpictx.New(nnpictx.Config{
		ID:   1,
		Conn: conn,
		ChanCfg: channel.Config{
			CmdRBPages:  2,
			RespRBPages: 2,
		},
	})
	return ctx, conn
}

func injectCreateSuccess(conn *pipeConn, objType wire.ObjType, id1 uint16, id1Valid bool, id2 uint16, id2Valid bool) {
	go func() {
		time.Sleep(20 * time.Millisecond)
		ev := wire.EventReport{
			Class: wire.EventClassCreateSuccess, ObjType: objType,
			ID1: id1, ID1Valid: id1Valid, ID2: id2, ID2Valid: id2Valid,
		}
		conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	}()
}

func injectCreateFailed(conn *pipeConn, objType wire.ObjType, id1 uint16, id1Valid bool, id2 uint16, id2Valid bool, eventVal uint32) {
	go func() {
		time.Sleep(20 * time.Millisecond)
		ev := wire.EventReport{
			Class: wire.EventClassCreateFailed, ObjType: objType,
			ID1: id1, ID1Valid: id1Valid, ID2: id2, ID2Valid: id2Valid, EventVal: eventVal,
		}
		conn.inject(buildFrame(wire.OpEventReport, 1, wire.MarshalEventReport(ev)))
	}()
}

func newHostRes(size uint64, usage hostres.Usage) *hostres.Resource {
	return hostres.New(0, size, usage, 0, false)
}

func mustBackground() stdcontext.Context { return stdcontext.Background() }
