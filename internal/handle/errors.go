package handle

import "errors"

var (
	// ErrTypeMismatch means the handle's kind tag is not the expected kind.
	ErrTypeMismatch = errors.New("handle type mismatch")
	// ErrMalformedHandle means the wire form could not be decoded.
	ErrMalformedHandle = errors.New("malformed handle")
	// ErrStaleHandle means the slot was destroyed, reused, or never existed.
	ErrStaleHandle = errors.New("stale handle")
	// ErrHandleBusy means another caller currently holds the resource.
	ErrHandleBusy = errors.New("handle busy")
	// ErrArenaClosed is returned once the arena has been closed.
	ErrArenaClosed = errors.New("arena closed")
	// ErrArenaFull is returned when the live slot limit is reached.
	ErrArenaFull = errors.New("arena full")
	// ErrLeaseDone is returned when a lease is released or destroyed twice.
	ErrLeaseDone = errors.New("lease already finished")
	// ErrKindExists is returned when registering a duplicate or colliding kind.
	ErrKindExists = errors.New("kind already registered")
)
