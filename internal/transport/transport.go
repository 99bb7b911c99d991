// Package transport is the kernel character-device edge: opening the
// per-process host device and per-card devices, and issuing the small
// ioctl set that creates and tears down host resources, channels, and
// ring buffers. It reports ioctl failures as *TransportError values
// carrying the raw errno; it does not map errnos to the library's public
// error codes.
package transport

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nnpi/internal/logging"
)

const (
	hostDevicePath = "/dev/nnpi_host"
	cardDevicePath = "/dev/nnpi%d"
)

// ioctl command numbers for the nnpi character devices, encoded with the
// same _IOC layout Linux ioctls use.
const (
	iocMagic = 'N'

	iocCreateHostRes  = 0x01
	iocDestroyHostRes = 0x02
	iocLockHostRes    = 0x03
	iocUnlockHostRes  = 0x04

	iocCreateChannel   = 0x10
	iocCreateRingBuf   = 0x11
	iocDestroyRingBuf  = 0x12
	iocMapHostRes      = 0x13
	iocUnmapHostRes    = 0x14
)

func ioctlEncode(dir, size uintptr, nr uint8) uintptr {
	const (
		dirShift  = 30
		typeShift = 8
		nrShift   = 0
		sizeShift = 16
	)
	return (dir << dirShift) | (iocMagic << typeShift) | (uintptr(nr) << nrShift) | (size << sizeShift)
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

// UsageFlags mirrors the host-resource usage bitmask negotiated with the
// kernel: input/output/network-blob are mutually constrained by the
// caller (internal/hostres enforces that), plus attribute bits.
type UsageFlags uint32

const (
	UsageInput UsageFlags = 1 << iota
	UsageOutput
	UsageNetworkBlob
	UsageForceLowMemory
	UsageECC
	UsageP2PSource
	UsageP2PDestination
	UsageLockless
)

// CreateHostResourceArgs is the packed ioctl argument for pinning host
// memory, whether freshly allocated, caller-supplied, or an externally
// shared fd.
type CreateHostResourceArgs struct {
	Size       uint64
	Usage      UsageFlags
	UserPtr    uintptr // set for create_from_buf
	ExternalFD int32   // set (>=0) for create_from_external
}

// CreateHostResourceResult is what the kernel hands back.
type CreateHostResourceResult struct {
	Handle       uint64
	CPUAddr      uintptr
	SyncNeeded   bool
}

// CreateChannelArgs mirrors the per-card create-channel ioctl.
type CreateChannelArgs struct {
	Weight            uint8
	HostFD            int32
	IsContext         bool
	ListenDeviceEvents bool
	ProtocolVersion   uint16
	IDRangeLo         uint32
	IDRangeHi         uint32
}

// CreateChannelResult is the kernel's reply to create-channel.
type CreateChannelResult struct {
	ChannelFD   int32
	ChannelID   uint32
	Privileged  bool
}

// Transport is the full kernel-facing surface a context and its child
// objects need. A real implementation talks to /dev/nnpi_host and
// /dev/nnpiN via ioctl; MockTransport (root package, for tests) fakes the
// same surface entirely in memory.
type Transport interface {
	CreateHostResource(args CreateHostResourceArgs) (CreateHostResourceResult, error)
	DestroyHostResource(handle uint64) error
	LockHostResource(handle uint64, forWrite bool) error
	UnlockHostResource(handle uint64) error

	CreateChannel(cardNum int, args CreateChannelArgs) (CreateChannelResult, error)
	CreateRingBuffer(channelFD int32, rbID uint8, h2c bool, hostResHandle uint64) error
	DestroyRingBuffer(channelFD int32, rbID uint8) error
	MapHostResource(channelFD int32, handle uint64) (mapID uint16, syncNeeded bool, err error)
	UnmapHostResource(channelFD int32, mapID uint16) error

	Close() error
}

// KernelTransport is the real ioctl-backed implementation.
type KernelTransport struct {
	mu       sync.Mutex
	hostFD   int
	cardFDs  map[int]int
	logger   *logging.Logger
}

// Open opens the per-process host device. Card devices are opened lazily
// by card number on first channel creation.
func Open() (*KernelTransport, error) {
	fd, err := unix.Open(hostDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, mapErrno(err, "open host device")
	}
	return &KernelTransport{
		hostFD:  fd,
		cardFDs: make(map[int]int),
		logger:  logging.Default(),
	}, nil
}

func (t *KernelTransport) cardFD(cardNum int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd, ok := t.cardFDs[cardNum]; ok {
		return fd, nil
	}
	path := fmt.Sprintf(cardDevicePath, cardNum)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, mapErrno(err, "open card device")
	}
	t.cardFDs[cardNum] = fd
	return fd, nil
}

func (t *KernelTransport) CreateHostResource(args CreateHostResourceArgs) (CreateHostResourceResult, error) {
	var result CreateHostResourceResult
	req := packCreateHostRes(args)
	if err := ioctl(t.hostFD, ioctlEncode(iocWrite|iocRead, unsafe.Sizeof(req), iocCreateHostRes), &req); err != nil {
		return result, mapErrno(err, "create host resource")
	}
	result.Handle = req.outHandle
	result.CPUAddr = uintptr(req.outCPUAddr)
	result.SyncNeeded = req.outSyncNeeded != 0
	return result, nil
}

func (t *KernelTransport) DestroyHostResource(handle uint64) error {
	req := handle
	if err := ioctl(t.hostFD, ioctlEncode(iocWrite, unsafe.Sizeof(req), iocDestroyHostRes), &req); err != nil {
		return mapErrno(err, "destroy host resource")
	}
	return nil
}

func (t *KernelTransport) LockHostResource(handle uint64, forWrite bool) error {
	req := lockHostResReq{Handle: handle}
	if forWrite {
		req.ForWrite = 1
	}
	if err := ioctl(t.hostFD, ioctlEncode(iocWrite, unsafe.Sizeof(req), iocLockHostRes), &req); err != nil {
		return mapErrno(err, "lock host resource")
	}
	return nil
}

func (t *KernelTransport) UnlockHostResource(handle uint64) error {
	req := handle
	if err := ioctl(t.hostFD, ioctlEncode(iocWrite, unsafe.Sizeof(req), iocUnlockHostRes), &req); err != nil {
		return mapErrno(err, "unlock host resource")
	}
	return nil
}

func (t *KernelTransport) CreateChannel(cardNum int, args CreateChannelArgs) (CreateChannelResult, error) {
	var result CreateChannelResult
	fd, err := t.cardFD(cardNum)
	if err != nil {
		return result, err
	}
	req := packCreateChannel(args)
	if err := ioctl(fd, ioctlEncode(iocWrite|iocRead, unsafe.Sizeof(req), iocCreateChannel), &req); err != nil {
		return result, mapErrno(err, "create channel")
	}
	result.ChannelFD = req.outChannelFD
	result.ChannelID = req.outChannelID
	result.Privileged = req.outPrivileged != 0
	return result, nil
}

func (t *KernelTransport) CreateRingBuffer(channelFD int32, rbID uint8, h2c bool, hostResHandle uint64) error {
	req := createRBReq{RBID: rbID, HostResHandle: hostResHandle}
	if h2c {
		req.H2C = 1
	}
	if err := ioctl(int(channelFD), ioctlEncode(iocWrite, unsafe.Sizeof(req), iocCreateRingBuf), &req); err != nil {
		return mapErrno(err, "create ring buffer")
	}
	return nil
}

func (t *KernelTransport) DestroyRingBuffer(channelFD int32, rbID uint8) error {
	req := rbID
	if err := ioctl(int(channelFD), ioctlEncode(iocWrite, unsafe.Sizeof(req), iocDestroyRingBuf), &req); err != nil {
		return mapErrno(err, "destroy ring buffer")
	}
	return nil
}

func (t *KernelTransport) MapHostResource(channelFD int32, handle uint64) (uint16, bool, error) {
	req := mapHostResReq{Handle: handle}
	if err := ioctl(int(channelFD), ioctlEncode(iocWrite|iocRead, unsafe.Sizeof(req), iocMapHostRes), &req); err != nil {
		return 0, false, mapErrno(err, "map host resource")
	}
	return req.outMapID, req.outSyncNeeded != 0, nil
}

func (t *KernelTransport) UnmapHostResource(channelFD int32, mapID uint16) error {
	req := mapID
	if err := ioctl(int(channelFD), ioctlEncode(iocWrite, unsafe.Sizeof(req), iocUnmapHostRes), &req); err != nil {
		return mapErrno(err, "unmap host resource")
	}
	return nil
}

func (t *KernelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, fd := range t.cardFDs {
		unix.Close(fd)
	}
	if t.hostFD >= 0 {
		return unix.Close(t.hostFD)
	}
	return nil
}

// ioctl issues the raw syscall directly rather than through unix.IoctlSetInt
// and friends, since the argument types here (packed structs passed by
// pointer) don't fit that helper family.
func ioctl(fd int, req uintptr, arg interface{}) error {
	ptr, err := argPointer(arg)
	if err != nil {
		return err
	}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}

// mapErrno wraps a raw errno in a *TransportError tagged with op, and any
// other error in a plain op-prefixed error. It assigns no public error
// code; errors.go's mapErrnoToCode is not called here.
func mapErrno(err error, op string) error {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransportError{Op: op, Errno: errno}
}

// TransportError wraps a raw errno with the operation that produced it.
// Nothing in this module converts it into the public *Error type.
type TransportError struct {
	Op    string
	Errno syscall.Errno
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Errno)
}

func (e *TransportError) Unwrap() error { return e.Errno }

var _ = os.Getpid // keeps the os import in use; no ioctl argument struct here carries the pid
