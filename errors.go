package nnpi

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is the public error taxonomy every operation in this library
// reports through, independent of whether the failure originated at the
// kernel-transport edge (an errno) or the card-event edge (an event
// value).
type Code string

// Lookup errors: the caller named an object that doesn't exist, or no
// longer does.
const (
	ErrNoSuchDevice   Code = "no-such-device"
	ErrNoSuchContext  Code = "no-such-context"
	ErrNoSuchResource Code = "no-such-resource"
	ErrNoSuchCopy     Code = "no-such-copy"
	ErrNoSuchInfReq   Code = "no-such-infreq"
	ErrNoSuchNetwork  Code = "no-such-network"
	ErrNoSuchCmdList  Code = "no-such-cmdlist"
)

// Argument errors: the request itself is malformed or unsatisfiable
// regardless of system state.
const (
	ErrInvalidArgument     Code = "invalid-argument"
	ErrNotSupported        Code = "not-supported"
	ErrIncompatibleRes     Code = "incompatible-resources"
	ErrInvalidNetworkBin   Code = "invalid-network-binary"
	ErrInferMissingRes     Code = "infer-missing-resource"
	ErrIncompleteNetwork   Code = "incomplete-network"
)

// Resource/state errors: the system's current state can't satisfy an
// otherwise well-formed request.
const (
	ErrOutOfMemory       Code = "out-of-memory"
	ErrOutOfECCMemory    Code = "out-of-ecc-memory"
	ErrTooManyContexts   Code = "too-many-contexts"
	ErrDeviceNotReady    Code = "device-not-ready"
	ErrDeviceBusy        Code = "device-busy"
	ErrInsufficientExec  Code = "insufficient-exec-resources"
	ErrVersionsMismatch  Code = "versions-mismatch"
)

// Runtime errors: the request was accepted but something failed while
// carrying it out.
const (
	ErrIOError            Code = "io-error"
	ErrInternalDriver     Code = "internal-driver-error"
	ErrDeviceError        Code = "device-error"
	ErrContextBroken      Code = "context-broken"
	ErrHostResBroken      Code = "hostres-broken"
	ErrBrokenMarker       Code = "broken-marker"
	ErrTimedOut           Code = "timed-out"
	ErrOperationInterrupted Code = "operation-interrupted"
)

// Permission errors.
const (
	ErrPermissionDenied Code = "permission-denied"
)

// Error is the structured error every public operation returns.
type Error struct {
	Op     string // operation that failed, e.g. "CreateDevRes"
	Code   Code
	Errno  syscall.Errno // set when the failure originated at the transport edge
	EventVal uint32      // set when the failure originated at the card-event edge
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("nnpi: %s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("nnpi: %s (%s)", msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a plain code+message error.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapErrno maps a kernel-transport errno to the public taxonomy exactly
// once, at the edge, so callers never see a raw syscall.Errno.
func WrapErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error()}
}

// WrapEventVal maps a card-reported event value to the public taxonomy at
// the event router's edge, using the enumerated translation table below.
func WrapEventVal(op string, eventVal uint32) *Error {
	return &Error{Op: op, Code: mapEventValToCode(eventVal), EventVal: eventVal}
}

// mapErrnoToCode maps a raw errno to the public taxonomy. EBUSY and
// ETIME both map to timed-out; EBUSY does not always mean "not yet
// ready" but the two are indistinguishable at this edge without more
// context than the errno carries.
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrNoSuchDevice
	case syscall.EBUSY, syscall.ETIME:
		return ErrTimedOut
	case syscall.EINVAL, syscall.E2BIG:
		return ErrInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrPermissionDenied
	case syscall.ENOMEM:
		return ErrOutOfMemory
	case syscall.ENOSPC:
		return ErrTooManyContexts
	case syscall.EINTR:
		return ErrOperationInterrupted
	case syscall.EIO:
		return ErrIOError
	default:
		return ErrInternalDriver
	}
}

// eventCodeTable maps the small set of card-defined event values this
// library recognizes to the public taxonomy. Values outside the table
// fall back to device-error, matching the router's treatment of any
// event code it doesn't specifically classify.
var eventCodeTable = map[uint32]Code{
	1:  ErrOutOfMemory,
	2:  ErrOutOfECCMemory,
	3:  ErrDeviceNotReady,
	4:  ErrDeviceBusy,
	5:  ErrInsufficientExec,
	6:  ErrVersionsMismatch,
	7:  ErrIncompatibleRes,
	8:  ErrInvalidNetworkBin,
	9:  ErrInferMissingRes,
	10: ErrIncompleteNetwork,
	11: ErrInternalDriver,
}

func mapEventValToCode(eventVal uint32) Code {
	if code, ok := eventCodeTable[eventVal]; ok {
		return code
	}
	return ErrDeviceError
}

// IsCode reports whether err (or something it wraps) is a *Error with
// the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
