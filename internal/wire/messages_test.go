package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventReportRoundTrip(t *testing.T) {
	ev := EventReport{
		Class:    EventClassCreateSuccess,
		ObjType:  ObjDevRes,
		EventVal: 42,
		ID1:      7,
		ID1Valid: true,
		ID2:      0,
		ID2Valid: false,
	}
	buf := MarshalEventReport(ev)
	require.Len(t, buf, eventReportSize)

	got, err := UnmarshalEventReport(buf)
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestEventReportBothIDsValid(t *testing.T) {
	ev := EventReport{
		Class:    EventClassObjectComplete,
		ObjType:  ObjInfReq,
		EventVal: 0,
		ID1:      12,
		ID1Valid: true,
		ID2:      99,
		ID2Valid: true,
	}
	got, err := UnmarshalEventReport(MarshalEventReport(ev))
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestUnmarshalEventReportTruncated(t *testing.T) {
	_, err := UnmarshalEventReport(make([]byte, eventReportSize-1))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestScheduleCopySmallPacksPriority(t *testing.T) {
	buf := MarshalScheduleCopySmall(ScheduleCopySmall{CopyID: 5, Size: 1024, Priority: 2})
	require.Len(t, buf, 8)

	// packed field lives in buf[4:8]: bottom 30 bits size, top 2 bits priority
	packed := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	require.Equal(t, uint32(1024), packed&0x3FFFFFFF)
	require.Equal(t, uint32(2), packed>>30)
}

func TestChanSyncDoneUnmarshal(t *testing.T) {
	buf := []byte{5, 0, 1, 0}
	done, err := UnmarshalChanSyncDone(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(5), done.Counter)
	require.True(t, done.Failed)
}

func TestChanSyncDoneTruncated(t *testing.T) {
	_, err := UnmarshalChanSyncDone([]byte{1, 2})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParseExecErrorDescriptorsSingle(t *testing.T) {
	msg := []byte("bad thing happened")
	buf := make([]byte, 0, 11+len(msg))
	buf = append(buf, 0x03)             // cmd type
	buf = append(buf, 0x0A, 0x00)       // obj id = 10
	buf = append(buf, 0x14, 0x00)       // devnet id = 20
	buf = append(buf, 0x01, 0x00, 0x00, 0x00) // event val = 1
	buf = append(buf, byte(len(msg)), 0x00)
	buf = append(buf, msg...)

	descs, err := ParseExecErrorDescriptors(buf)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, uint8(0x03), descs[0].CmdType)
	require.Equal(t, uint16(10), descs[0].ObjID)
	require.Equal(t, uint16(20), descs[0].DevNetID)
	require.Equal(t, uint32(1), descs[0].EventVal)
	require.Equal(t, msg, descs[0].ErrorMsg)
}

func TestParseExecErrorDescriptorsMultiple(t *testing.T) {
	one := makeDescriptorBytes(1, 10, 20, 1, []byte("a"))
	two := makeDescriptorBytes(2, 11, 21, 2, []byte("bb"))
	buf := append(append([]byte{}, one...), two...)

	descs, err := ParseExecErrorDescriptors(buf)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	require.Equal(t, []byte("a"), descs[0].ErrorMsg)
	require.Equal(t, []byte("bb"), descs[1].ErrorMsg)
}

func TestParseExecErrorDescriptorsTruncated(t *testing.T) {
	buf := makeDescriptorBytes(1, 10, 20, 1, []byte("hello"))
	_, err := ParseExecErrorDescriptors(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrTruncated)
}

func makeDescriptorBytes(cmdType uint8, objID, devNetID uint16, eventVal uint32, msg []byte) []byte {
	buf := make([]byte, 0, 11+len(msg))
	buf = append(buf, cmdType)
	buf = append(buf, byte(objID), byte(objID>>8))
	buf = append(buf, byte(devNetID), byte(devNetID>>8))
	buf = append(buf, byte(eventVal), byte(eventVal>>8), byte(eventVal>>16), byte(eventVal>>24))
	buf = append(buf, byte(len(msg)), byte(len(msg)>>8))
	buf = append(buf, msg...)
	return buf
}
