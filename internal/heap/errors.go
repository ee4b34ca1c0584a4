package heap

import "errors"

var (
	// ErrOutOfMemory is returned when linear memory cannot grow to satisfy a request.
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrOutOfBounds is returned for a slot index outside [0, slot count).
	ErrOutOfBounds = errors.New("heap: slot index out of bounds")
	// ErrInvalidRef is returned for offsets that do not name a live object.
	ErrInvalidRef = errors.New("heap: invalid reference")
	// ErrTooLarge is returned when a request exceeds MaxSlots.
	ErrTooLarge = errors.New("heap: object too large")
)
