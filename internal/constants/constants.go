package constants

import "time"

// Card protocol framing constants.
const (
	// PageSize is the framing unit for chained multi-page messages.
	PageSize = 4096

	// FrameAlign is the byte alignment every wire frame is padded to.
	FrameAlign = 8

	// MaxSmallCopySize is the largest transfer the small copy-schedule
	// wire variant can encode in its 30-bit size field.
	MaxSmallCopySize = 0x3FFFFFFF
)

// Device-resource limits, matching the card protocol's field widths.
const (
	// MaxDevResDepth is the largest depth value a device resource may
	// request (an 8-bit field on the wire).
	MaxDevResDepth = 255

	// DefaultChannelIDRangeSize is the number of object IDs granted to a
	// context's create-channel call by default.
	DefaultChannelIDRangeSize = 1 << 16
)

// Ring buffer sizing, in pages.
const (
	DefaultCmdRingBufferPages  = 2
	DefaultRespRingBufferPages = 2
)

// Timing constants for context and channel lifecycle.
const (
	// DefaultChannelCreateTimeout bounds how long a create-channel ioctl
	// may block before this library gives up and reports timed-out.
	DefaultChannelCreateTimeout = 5 * time.Second

	// NoTimeout signals a blocking wait should never expire, mirroring
	// the original driver's "max-uint" microsecond sentinel.
	NoTimeout time.Duration = -1
)
