package wire

import "encoding/binary"

// ObjType identifies the kind of card-visible object a message or event
// refers to, matching the taxonomy the create-reply registry and object DB
// key on.
type ObjType uint8

const (
	ObjContext ObjType = iota
	ObjDevRes
	ObjCopy
	ObjDevNet
	ObjInfReq
	ObjCmdList
)

// EventClass buckets a raw event code into the routing categories the
// context's event dispatcher switches on.
type EventClass uint8

const (
	EventClassCardFatalDriver EventClass = iota
	EventClassCardFatal
	EventClassContextFatal
	EventClassAbortRequest
	EventClassCreateSuccess
	EventClassCreateFailed
	EventClassObjectComplete
	EventClassObjectFailed
	EventClassObjectDestroyed
	EventClassCreateSyncFailed
	EventClassUnknown
)

// EventReport is the generic card-to-host notification. Up to two object
// IDs may accompany it; ID2Valid distinguishes "one ID" events (most
// create-replies) from "two ID" events (e.g. a copy completion tagged with
// both its own ID and an owning command-list ID).
type EventReport struct {
	Class    EventClass
	ObjType  ObjType
	EventVal uint32
	ID1      uint16
	ID1Valid bool
	ID2      uint16
	ID2Valid bool
}

const eventReportSize = 16

// MarshalEventReport is provided for tests that need to synthesize card
// traffic against a MockTransport.
func MarshalEventReport(ev EventReport) []byte {
	buf := make([]byte, eventReportSize)
	buf[0] = byte(ev.Class)
	buf[1] = byte(ev.ObjType)
	binary.LittleEndian.PutUint32(buf[2:6], ev.EventVal)
	binary.LittleEndian.PutUint16(buf[6:8], ev.ID1)
	if ev.ID1Valid {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint16(buf[9:11], ev.ID2)
	if ev.ID2Valid {
		buf[11] = 1
	}
	return buf
}

// UnmarshalEventReport parses the payload written by MarshalEventReport.
func UnmarshalEventReport(data []byte) (EventReport, error) {
	if len(data) < eventReportSize {
		return EventReport{}, ErrTruncated
	}
	return EventReport{
		Class:    EventClass(data[0]),
		ObjType:  ObjType(data[1]),
		EventVal: binary.LittleEndian.Uint32(data[2:6]),
		ID1:      binary.LittleEndian.Uint16(data[6:8]),
		ID1Valid: data[8] != 0,
		ID2:      binary.LittleEndian.Uint16(data[9:11]),
		ID2Valid: data[11] != 0,
	}, nil
}

// CreateDevResReq is the create-devres command payload.
type CreateDevResReq struct {
	ProtocolID uint16
	ByteSize   uint64
	Depth      uint32
	Align      uint64
	UsageFlags uint32
}

func MarshalCreateDevResReq(r CreateDevResReq) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint16(buf[0:2], r.ProtocolID)
	binary.LittleEndian.PutUint64(buf[8:16], r.ByteSize)
	binary.LittleEndian.PutUint32(buf[16:20], r.Depth)
	binary.LittleEndian.PutUint64(buf[20:28], r.Align)
	binary.LittleEndian.PutUint32(buf[28:32], r.UsageFlags)
	return buf
}

// CreateDevResReply carries the card-assigned P2P fields back, valid only
// when the resource was created with a P2P usage flag.
type CreateDevResReply struct {
	Success  bool
	HostAddr uint64
	BufID    uint8
}

// ScheduleCopySmall is the ≤30-bit-size, ≤2-bit-priority copy schedule
// variant; larger transfers use ScheduleCopyLarge instead.
type ScheduleCopySmall struct {
	CopyID   uint16
	Size     uint32 // bottom 30 bits
	Priority uint8  // bottom 2 bits
}

func MarshalScheduleCopySmall(s ScheduleCopySmall) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], s.CopyID)
	packed := (s.Size & 0x3FFFFFFF) | (uint32(s.Priority&0x3) << 30)
	binary.LittleEndian.PutUint32(buf[4:8], packed)
	return buf
}

// ScheduleCopyLarge carries a full 64-bit size for transfers that exceed
// the small variant's 30-bit field.
type ScheduleCopyLarge struct {
	CopyID   uint16
	Size     uint64
	Priority uint8
}

func MarshalScheduleCopyLarge(s ScheduleCopyLarge) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:2], s.CopyID)
	buf[2] = s.Priority
	binary.LittleEndian.PutUint64(buf[8:16], s.Size)
	return buf
}

// MaxSmallCopySize is the largest size the small schedule variant can
// encode; larger transfers must use ScheduleCopyLarge.
const MaxSmallCopySize = 0x3FFFFFFF

// SyncRequest requests a new sync point; the reply is a plain
// create-reply carrying the acknowledged 16-bit counter value.
type SyncRequest struct {
	Counter uint16
}

func MarshalSyncRequest(s SyncRequest) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], s.Counter)
	return buf
}

// ChanSyncDone reports the last sync point the card completed.
type ChanSyncDone struct {
	Counter uint16
	Failed  bool
}

func UnmarshalChanSyncDone(data []byte) (ChanSyncDone, error) {
	if len(data) < 4 {
		return ChanSyncDone{}, ErrTruncated
	}
	return ChanSyncDone{
		Counter: binary.LittleEndian.Uint16(data[0:2]),
		Failed:  data[2] != 0,
	}, nil
}

// ExecErrorDescriptor is one fixed-plus-variable entry in an exec-error
// list page: {cmd_type, obj_id, devnet_id, event_val, error_msg}.
type ExecErrorDescriptor struct {
	CmdType   uint8
	ObjID     uint16
	DevNetID  uint16
	EventVal  uint32
	ErrorMsg  []byte
}

// ExecErrorListPage is one page of a chained exec-error-list query
// response: Total is the eventual accumulated size across all pages.
type ExecErrorListPage struct {
	Total   uint32
	Payload []byte
}

func UnmarshalExecErrorListPage(data []byte) (ExecErrorListPage, error) {
	if len(data) < 4 {
		return ExecErrorListPage{}, ErrTruncated
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	return ExecErrorListPage{Total: total, Payload: data[4:]}, nil
}

// ParseExecErrorDescriptors decodes the tightly-packed descriptor sequence
// accumulated across one or more ExecErrorListPage payloads.
func ParseExecErrorDescriptors(buf []byte) ([]ExecErrorDescriptor, error) {
	var out []ExecErrorDescriptor
	off := 0
	for off < len(buf) {
		if off+11 > len(buf) {
			return nil, ErrTruncated
		}
		d := ExecErrorDescriptor{
			CmdType:  buf[off],
			ObjID:    binary.LittleEndian.Uint16(buf[off+1 : off+3]),
			DevNetID: binary.LittleEndian.Uint16(buf[off+3 : off+5]),
			EventVal: binary.LittleEndian.Uint32(buf[off+5 : off+9]),
		}
		msgSize := binary.LittleEndian.Uint16(buf[off+9 : off+11])
		off += 11
		if off+int(msgSize) > len(buf) {
			return nil, ErrTruncated
		}
		d.ErrorMsg = buf[off : off+int(msgSize)]
		off += int(msgSize)
		out = append(out, d)
	}
	return out, nil
}
