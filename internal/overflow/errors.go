package overflow

import "errors"

var (
	ErrPayloadTooLarge  = errors.New("payload does not fit in slot")
	ErrSlotOutOfRange   = errors.New("slot index out of range")
	ErrInvalidSlotCount = errors.New("slot count must evenly divide the frame size")
	ErrInvalidOffset    = errors.New("position byte offset out of range")
	// ErrZeroMatchingByte: an all-zero slot would always match.
	ErrZeroMatchingByte = errors.New("matching byte must be non-zero")
)
