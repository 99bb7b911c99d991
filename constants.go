package nnpi

import "github.com/behrlich/go-nnpi/internal/constants"

// Re-exported protocol and sizing constants applications may need when
// building requests (e.g. choosing a copy size that stays under the
// small wire variant's limit).
const (
	PageSize                   = constants.PageSize
	FrameAlign                 = constants.FrameAlign
	MaxSmallCopySize           = constants.MaxSmallCopySize
	MaxDevResDepth             = constants.MaxDevResDepth
	DefaultCmdRingBufferPages  = constants.DefaultCmdRingBufferPages
	DefaultRespRingBufferPages = constants.DefaultRespRingBufferPages
)

// NoTimeout signals a blocking wait should never expire.
const NoTimeout = constants.NoTimeout
