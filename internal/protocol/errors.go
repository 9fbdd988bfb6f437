package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgebinder/internal/status"
)

var (
	ErrTruncated        = errors.New("protocol: truncated data")
	ErrUnknownCommand   = fmt.Errorf("protocol: unknown command: %w", status.ErrBadValue)
	ErrUnknownReturn    = fmt.Errorf("protocol: unknown return: %w", status.ErrBadValue)
	ErrNotInline        = fmt.Errorf("protocol: transaction record without inline data: %w", status.ErrBadValue)
	ErrInvalidLength    = fmt.Errorf("protocol: invalid length: %w", status.ErrBadValue)
	ErrPayloadTooLarge  = fmt.Errorf("protocol: payload too large: %w", status.ErrNoMemory)
	ErrMissingTxn       = errors.New("protocol: transaction command without record")
)
