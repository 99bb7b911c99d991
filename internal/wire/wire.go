// Package wire defines the framed protocol carried over a channel's
// command and response ring buffers: opcodes, the common frame header,
// and the little-endian, fixed-width field layout of every message this
// module sends or parses. Every struct here is bit-packed exactly the way
// the card's shared header would define it — field widths are load-bearing
// and must never be "cleaned up".
package wire

import "encoding/binary"

// FrameAlign is the alignment every frame on a channel fd is padded to.
const FrameAlign = 8

// PageSize is the framing unit for chained multi-page messages (device
// network creation, command list transmission, exec-error-list pages).
const PageSize = 4096

// Opcode identifies the payload that follows a FrameHeader.
type Opcode uint16

// Host-to-card opcodes.
const (
	OpCreateContext Opcode = iota + 1
	OpDestroyContext
	OpCreateDevRes
	OpDestroyDevRes
	OpMarkDevResDirty
	OpD2DPairConnect
	OpD2DPairDisconnect
	OpCreateCopy
	OpCreateD2DCopy
	OpDestroyCopy
	OpScheduleCopy
	OpScheduleCopyLarge
	OpScheduleCopySubres
	OpCreateDevNet
	OpAddDevNetRes
	OpDevNetSetProperty
	OpDestroyDevNet
	OpCreateInfReq
	OpDestroyInfReq
	OpScheduleInfReq
	OpCreateCmdList
	OpScheduleCmdList
	OpDestroyCmdList
	OpSyncRequest
	OpQueryErrorList
	OpTraceUserData
	OpSendUserHandle
	OpGetCreditFIFO
	OpUpdatePeerDev
	OpRBHeadUpdate
)

// Card-to-host opcodes.
const (
	OpEventReport Opcode = iota + 0x8000
	OpChanSyncDone
	OpChanInfReqFailed
	OpChanExecErrorList
	OpChanRBUpdate
)

// OpChannelKilled is a synthetic opcode, never sent on the wire, that a
// channel's teardown path delivers to its handler so the owner learns the
// dispatch task exited even without a matching real event from the card.
const OpChannelKilled Opcode = 0xFFFF

// FrameHeader is the common 8-byte prefix of every frame.
type FrameHeader struct {
	Opcode  Opcode
	ChanID  uint16
	Length  uint16 // payload length in bytes, not including this header
	Flags   uint16
}

const frameHeaderSize = 8

// MarshalFrameHeader writes h in little-endian wire format.
func MarshalFrameHeader(h FrameHeader) []byte {
	buf := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Opcode))
	binary.LittleEndian.PutUint16(buf[2:4], h.ChanID)
	binary.LittleEndian.PutUint16(buf[4:6], h.Length)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	return buf
}

// UnmarshalFrameHeader parses the first 8 bytes of data as a FrameHeader.
func UnmarshalFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < frameHeaderSize {
		return FrameHeader{}, ErrShortFrame
	}
	return FrameHeader{
		Opcode: Opcode(binary.LittleEndian.Uint16(data[0:2])),
		ChanID: binary.LittleEndian.Uint16(data[2:4]),
		Length: binary.LittleEndian.Uint16(data[4:6]),
		Flags:  binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// FrameHeaderSize returns the wire size of a FrameHeader.
func FrameHeaderSize() int { return frameHeaderSize }

// Align rounds n up to the frame alignment boundary.
func Align(n int) int {
	if r := n % FrameAlign; r != 0 {
		n += FrameAlign - r
	}
	return n
}

// wireErr is a plain string error so this package has no dependency on the
// root error taxonomy (transport/wire framing errors are internal and get
// translated by their callers).
type wireErr string

func (e wireErr) Error() string { return string(e) }

const (
	ErrShortFrame  wireErr = "wire: frame shorter than header"
	ErrTruncated   wireErr = "wire: payload shorter than declared length"
	ErrUnknownType wireErr = "wire: unknown message type for opcode"
)
