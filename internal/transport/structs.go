package transport

import (
	"fmt"
	"reflect"
)

// The structs below are the packed ioctl argument/result shapes for the
// nnpi character devices. They carry both the request fields and the
// kernel's out-parameters in one struct, the same "in/out" shape the
// teacher's uapi.UblksrvCtrlCmd uses for ublk's control ioctls.

type createHostResReq struct {
	size       uint64
	usage      uint32
	userPtr    uintptr
	externalFD int32

	outHandle     uint64
	outCPUAddr    uintptr
	outSyncNeeded uint8
}

func packCreateHostRes(args CreateHostResourceArgs) createHostResReq {
	return createHostResReq{
		size:       args.Size,
		usage:      uint32(args.Usage),
		userPtr:    args.UserPtr,
		externalFD: args.ExternalFD,
	}
}

type lockHostResReq struct {
	Handle   uint64
	ForWrite uint8
}

type createChannelReq struct {
	weight             uint8
	hostFD             int32
	isContext          uint8
	listenDeviceEvents uint8
	protocolVersion    uint16
	idRangeLo          uint32
	idRangeHi          uint32

	outChannelFD  int32
	outChannelID  uint32
	outPrivileged uint8
}

func packCreateChannel(args CreateChannelArgs) createChannelReq {
	req := createChannelReq{
		weight:          args.Weight,
		hostFD:          args.HostFD,
		protocolVersion: args.ProtocolVersion,
		idRangeLo:       args.IDRangeLo,
		idRangeHi:       args.IDRangeHi,
	}
	if args.IsContext {
		req.isContext = 1
	}
	if args.ListenDeviceEvents {
		req.listenDeviceEvents = 1
	}
	return req
}

type createRBReq struct {
	RBID          uint8
	H2C           uint8
	HostResHandle uint64
}

type mapHostResReq struct {
	Handle uint64

	outMapID      uint16
	outSyncNeeded uint8
}

// argPointer returns the address of the value arg points to, for use as
// the ioctl(2) third argument. arg must be a non-nil pointer.
func argPointer(arg interface{}) (uintptr, error) {
	v := reflect.ValueOf(arg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return 0, fmt.Errorf("transport: ioctl argument must be a non-nil pointer")
	}
	return v.Pointer(), nil
}
