package parcel

import (
	"fmt"

	"github.com/danmuck/edgebinder/internal/status"
)

var (
	ErrTypeMismatch  = fmt.Errorf("parcel: type mismatch: %w", status.ErrBadType)
	ErrReadNull      = fmt.Errorf("parcel: null value: %w", status.ErrReadNull)
	ErrTruncated     = fmt.Errorf("parcel: truncated data: %w", status.ErrBadValue)
	ErrCorruptHeader = fmt.Errorf("parcel: corrupt value header: %w", status.ErrBadValue)
	ErrInvalidType   = fmt.Errorf("parcel: invalid type code: %w", status.ErrBadValue)
	ErrObjectType    = fmt.Errorf("parcel: object records must use WriteObjectRef: %w", status.ErrBadValue)
	ErrUnregistered  = fmt.Errorf("parcel: object record not in offset list: %w", status.ErrBadValue)
	ErrBadOffsets    = fmt.Errorf("parcel: invalid object offsets: %w", status.ErrBadValue)
	ErrTooLarge      = fmt.Errorf("parcel: payload too large: %w", status.ErrNoMemory)
	ErrBadPosition   = fmt.Errorf("parcel: invalid position: %w", status.ErrBadValue)
)
