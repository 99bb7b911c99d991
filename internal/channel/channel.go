// Package channel implements one duplex connection to a card: two command
// ring buffers ("create" and "schedule"), one response ring buffer, and a
// dedicated dispatch goroutine that demultiplexes framed packets arriving
// on the connection. The ring buffers track flow-control credit for their
// respective direction; the connection itself carries the framed
// messages, following the wire layout in internal/wire.
package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/behrlich/go-nnpi/internal/logging"
	"github.com/behrlich/go-nnpi/internal/ringbuffer"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// Conn is the minimal duplex byte-stream surface a channel needs. A real
// channel fd (from the per-card create-channel ioctl) and MockConn (root
// testing.go) both satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Command ring-buffer identifiers, matching the "id 0 = create, id 1 =
// schedule" convention.
const (
	RBCreate   = 0
	RBSchedule = 1
	numCmdRBs  = 2

	// rbIDResponse tags a head-update frame as describing the response
	// ring buffer rather than one of the numbered command ring buffers,
	// so the card can tell which of its buffers just freed space.
	rbIDResponse = numCmdRBs
)

// Handler processes a non-flow-control frame the dispatch task read off
// the connection. Returning true tells the dispatch task to drain and
// terminate; the context's handler returns true for the channel-killed
// notification and for a card-fatal-driver event.
type Handler func(opcode wire.Opcode, payload []byte) (stop bool)

// Channel owns the ring buffers and dispatch task for one connection to a
// card.
type Channel struct {
	ID        uint32
	IsContext bool

	conn    Conn
	writeMu sync.Mutex

	cmdRB  [numCmdRBs]*ringbuffer.RingBuffer
	respRB *ringbuffer.RingBuffer

	handler Handler
	logger  *logging.Logger

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}

	mu      sync.Mutex
	killed  bool
}

// Config parameterizes channel construction.
type Config struct {
	ID          uint32
	IsContext   bool
	CmdRBPages  int // pages per command ring buffer (spec: 2 pages each)
	RespRBPages int
	Handler     Handler
}

// New wraps conn with the ring buffers and starts the dispatch task.
func New(conn Conn, cfg Config) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		ID:             cfg.ID,
		IsContext:      cfg.IsContext,
		conn:           conn,
		respRB:         ringbuffer.New(cfg.RespRBPages),
		handler:        cfg.Handler,
		logger:         logging.Default().WithChannel(int(cfg.ID)),
		dispatchCtx:    ctx,
		dispatchCancel: cancel,
		dispatchDone:   make(chan struct{}),
	}
	for i := range ch.cmdRB {
		ch.cmdRB[i] = ringbuffer.New(cfg.CmdRBPages)
	}

	go ch.dispatchLoop()
	return ch
}

// CmdRingBuffer returns the command ring buffer for the given id
// (RBCreate or RBSchedule).
func (ch *Channel) CmdRingBuffer(id int) *ringbuffer.RingBuffer {
	return ch.cmdRB[id]
}

// SendFramed reserves flow-control credit on the given command ring
// buffer, writes a framed message to the connection, and returns once the
// write completes. The write itself is serialized so a frame is never
// interleaved with another writer's bytes.
func (ch *Channel) SendFramed(ctx context.Context, rbID int, opcode wire.Opcode, payload []byte) error {
	total := wire.Align(wire.FrameHeaderSize() + len(payload))

	rb := ch.cmdRB[rbID]
	span, err := rb.LockFreeSpace(ctx, total)
	if err != nil {
		return fmt.Errorf("channel: reserve send credit: %w", err)
	}
	rb.UnlockFreeSpace(span.Len())

	header := wire.MarshalFrameHeader(wire.FrameHeader{
		Opcode: opcode,
		ChanID: uint16(ch.ID),
		Length: uint16(len(payload)),
	})

	frame := make([]byte, total)
	copy(frame, header)
	copy(frame[len(header):], payload)

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_, err = ch.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("channel: write frame: %w", err)
	}
	return nil
}

// dispatchLoop is the channel's dedicated worker: one goroutine per
// channel, reading frames until EOF, a non-retryable error, or Kill.
func (ch *Channel) dispatchLoop() {
	defer close(ch.dispatchDone)

	headerBuf := make([]byte, wire.FrameHeaderSize())
	for {
		if _, err := io.ReadFull(ch.conn, headerBuf); err != nil {
			ch.teardown(err)
			return
		}
		hdr, err := wire.UnmarshalFrameHeader(headerBuf)
		if err != nil {
			ch.teardown(err)
			return
		}

		payloadLen := wire.Align(int(hdr.Length))
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(ch.conn, payload); err != nil {
				ch.teardown(err)
				return
			}
		}
		payload = payload[:hdr.Length]

		// Every frame, including a head-update frame itself, occupies
		// space in the response ring buffer; report it freed back to
		// the card once consumed. Sent asynchronously: the dispatch
		// loop must keep reading incoming frames (including the
		// command ring buffers' own head-updates), so it can't block
		// here waiting for schedule-ring send credit.
		consumed := wire.FrameHeaderSize() + payloadLen
		ch.respRB.UnlockAvailSpace(consumed)
		go func(n int) {
			if err := ch.sendRBUpdate(rbIDResponse, n); err != nil {
				ch.logger.Debug("failed to send response ring-buffer head-update", "error", err.Error())
			}
		}(consumed)

		if hdr.Opcode == wire.OpChanRBUpdate {
			ch.handleRBUpdate(payload)
			continue
		}

		if ch.handler != nil && ch.handler(hdr.Opcode, payload) {
			ch.teardown(nil)
			return
		}
	}
}

func (ch *Channel) handleRBUpdate(payload []byte) {
	if len(payload) < 5 {
		ch.logger.Warn("short rb-update frame", "len", len(payload))
		return
	}
	rbID := payload[0]
	n := int(binary.LittleEndian.Uint32(payload[1:5]))
	if int(rbID) < numCmdRBs {
		ch.cmdRB[rbID].UpdateHead(n)
	}
}

// sendRBUpdate reports n freed bytes on ring buffer rbID back to the
// card, riding the schedule command ring buffer like other auxiliary
// control messages (TraceUserData, SendUserHandle).
func (ch *Channel) sendRBUpdate(rbID byte, n int) error {
	buf := make([]byte, 5)
	buf[0] = rbID
	binary.LittleEndian.PutUint32(buf[1:5], uint32(n))
	return ch.SendFramed(ch.dispatchCtx, RBSchedule, wire.OpChanRBUpdate, buf)
}

// teardown runs the channel's exit path: invalidate every ring buffer so
// blocked producers fail fast, deliver a synthetic "channel killed"
// notification, and mark the channel dead.
func (ch *Channel) teardown(cause error) {
	ch.mu.Lock()
	if ch.killed {
		ch.mu.Unlock()
		return
	}
	ch.killed = true
	ch.mu.Unlock()

	for _, rb := range ch.cmdRB {
		rb.SetInvalid()
	}
	ch.respRB.SetInvalid()

	if ch.handler != nil {
		ch.handler(wire.OpChannelKilled, nil)
	}
	if cause != nil {
		ch.logger.Debug("dispatch task exiting", "cause", cause.Error())
	}
}

// Kill tears the channel down. umd-only cancels nothing and does not wait
// for the dispatch task: it runs the teardown path directly (invalidating
// the ring buffers, delivering the channel-killed notification to the
// handler, marking the channel dead), as used from fork-child cleanup,
// where the dispatch goroutine doesn't even exist in the child; forced
// cancels the connection and waits for the dispatch task to exit.
func (ch *Channel) Kill(forced bool) {
	if forced {
		ch.dispatchCancel()
		ch.conn.Close()
		<-ch.dispatchDone
		return
	}
	ch.teardown(nil)
}

// Closed reports whether the channel has torn down.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.killed
}
