package nnpi

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/behrlich/go-nnpi/internal/transport"
)

// MockConn is an in-memory duplex byte stream satisfying internal/channel
// .Conn, so a Channel's dispatch goroutine can be driven in tests without
// a real character device fd. The inbound side is a pipe rather than a
// plain buffer: a channel's dispatch loop blocks on Read the way it would
// against a real fd, instead of observing an immediate io.EOF the moment
// an empty buffer is drained. InjectFrame feeds bytes in as if the card
// had written them; Written() inspects everything the channel wrote out.
type MockConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	outbound bytes.Buffer
	closed   bool

	readCalls  int
	writeCalls int
}

// NewMockConn creates an empty mock connection.
func NewMockConn() *MockConn {
	pr, pw := io.Pipe()
	return &MockConn{pr: pr, pw: pw}
}

// Read implements io.Reader.
func (c *MockConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	c.readCalls++
	c.mu.Unlock()
	return c.pr.Read(p)
}

// Write implements io.Writer.
func (c *MockConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeCalls++
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.outbound.Write(p)
}

// Close implements io.Closer. It closes the inbound pipe so a blocked
// Read returns io.EOF, unblocking the dispatch goroutine the way closing
// a real fd would.
func (c *MockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.pw.Close()
	return c.pr.Close()
}

// InjectFrame feeds raw bytes into the inbound pipe, as if the card had
// written them to the channel. It writes from a background goroutine
// since io.Pipe's Write blocks until a Read consumes it, and the caller
// is usually the same goroutine driving the test, not the dispatch loop.
func (c *MockConn) InjectFrame(b []byte) {
	go func() {
		_, _ = c.pw.Write(b)
	}()
}

// Written returns a copy of everything written so far.
func (c *MockConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.outbound.Len())
	copy(out, c.outbound.Bytes())
	return out
}

// IsClosed reports whether Close has been called.
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CallCounts returns the number of times each method has been called.
func (c *MockConn) CallCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{"read": c.readCalls, "write": c.writeCalls}
}

// MockTransport fakes the kernel character-device ioctl surface
// (transport.Transport) entirely in memory, tracking every call for
// assertion.
type MockTransport struct {
	mu sync.RWMutex

	nextHandle uint64
	nextMapID  uint16
	handles    map[uint64]transport.CreateHostResourceArgs
	closed     bool

	failCreateHostResource bool
	failCreateChannel      bool

	createHostResourceCalls  int
	destroyHostResourceCalls int
	lockHostResourceCalls    int
	unlockHostResourceCalls  int
	createChannelCalls       int
	createRingBufferCalls    int
	destroyRingBufferCalls   int
	mapHostResourceCalls     int
	unmapHostResourceCalls   int
}

// NewMockTransport creates a mock transport with no host resources or
// channels yet allocated.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		nextHandle: 1,
		nextMapID:  1,
		handles:    make(map[uint64]transport.CreateHostResourceArgs),
	}
}

// FailCreateHostResource makes the next CreateHostResource calls return an
// error, simulating kernel resource exhaustion.
func (m *MockTransport) FailCreateHostResource(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreateHostResource = fail
}

// FailCreateChannel makes the next CreateChannel calls return an error.
func (m *MockTransport) FailCreateChannel(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreateChannel = fail
}

func (m *MockTransport) CreateHostResource(args transport.CreateHostResourceArgs) (transport.CreateHostResourceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createHostResourceCalls++
	if m.failCreateHostResource {
		return transport.CreateHostResourceResult{}, fmt.Errorf("nnpi: mock transport: create host resource failed")
	}

	handle := m.nextHandle
	m.nextHandle++
	m.handles[handle] = args

	return transport.CreateHostResourceResult{
		Handle:     handle,
		CPUAddr:    uintptr(handle) << 32, // synthetic, non-dereferenceable
		SyncNeeded: args.Usage&transport.UsageECC != 0,
	}, nil
}

func (m *MockTransport) DestroyHostResource(handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destroyHostResourceCalls++
	if _, ok := m.handles[handle]; !ok {
		return fmt.Errorf("nnpi: mock transport: unknown handle %d", handle)
	}
	delete(m.handles, handle)
	return nil
}

func (m *MockTransport) LockHostResource(handle uint64, forWrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockHostResourceCalls++
	if _, ok := m.handles[handle]; !ok {
		return fmt.Errorf("nnpi: mock transport: unknown handle %d", handle)
	}
	return nil
}

func (m *MockTransport) UnlockHostResource(handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockHostResourceCalls++
	return nil
}

func (m *MockTransport) CreateChannel(cardNum int, args transport.CreateChannelArgs) (transport.CreateChannelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createChannelCalls++
	if m.failCreateChannel {
		return transport.CreateChannelResult{}, fmt.Errorf("nnpi: mock transport: create channel failed")
	}
	return transport.CreateChannelResult{
		ChannelFD:  int32(1000 + cardNum),
		ChannelID:  uint32(cardNum),
		Privileged: args.IsContext,
	}, nil
}

func (m *MockTransport) CreateRingBuffer(channelFD int32, rbID uint8, h2c bool, hostResHandle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createRingBufferCalls++
	return nil
}

func (m *MockTransport) DestroyRingBuffer(channelFD int32, rbID uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyRingBufferCalls++
	return nil
}

func (m *MockTransport) MapHostResource(channelFD int32, handle uint64) (uint16, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapHostResourceCalls++
	args, ok := m.handles[handle]
	if !ok {
		return 0, false, fmt.Errorf("nnpi: mock transport: unknown handle %d", handle)
	}
	id := m.nextMapID
	m.nextMapID++
	return id, args.Usage&transport.UsageECC != 0, nil
}

func (m *MockTransport) UnmapHostResource(channelFD int32, mapID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapHostResourceCalls++
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called, for
// assertions like "exactly one CreateChannel call happened."
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"create_host_resource":  m.createHostResourceCalls,
		"destroy_host_resource": m.destroyHostResourceCalls,
		"lock_host_resource":    m.lockHostResourceCalls,
		"unlock_host_resource":  m.unlockHostResourceCalls,
		"create_channel":        m.createChannelCalls,
		"create_ring_buffer":    m.createRingBufferCalls,
		"destroy_ring_buffer":   m.destroyRingBufferCalls,
		"map_host_resource":     m.mapHostResourceCalls,
		"unmap_host_resource":   m.unmapHostResourceCalls,
	}
}

// HandleCount reports how many host resources are currently live.
func (m *MockTransport) HandleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// Compile-time interface checks
var (
	_ transport.Transport = (*MockTransport)(nil)
)
