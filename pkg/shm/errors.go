package shm

import (
	"errors"
	"fmt"

	"github.com/srediag/shm-pubsub/internal/logger"
)

var (
	// ErrNoSpaceAvailable is returned by Acquire when every slot is in use.
	ErrNoSpaceAvailable = errors.New("no space available in slot pool")
	// ErrProtocolInvariantViolation marks corrupted shared state. It is never returned;
	// it is the value a fatal panic wraps.
	ErrProtocolInvariantViolation = errors.New("protocol invariant violation")
	// ErrBadMagic is returned when a mapped region is not a shm-pubsub segment.
	ErrBadMagic = errors.New("segment magic mismatch")
	// ErrVersionMismatch is returned when a segment was created by another protocol version.
	ErrVersionMismatch = errors.New("segment protocol version mismatch")
	// ErrKindMismatch is returned when a segment is opened as the wrong kind.
	ErrKindMismatch = errors.New("segment kind mismatch")
	// ErrSegmentNotReady is returned when the creator did not finish initialising in time.
	ErrSegmentNotReady = errors.New("segment not ready")
	// ErrInvalidPoolSpec is returned for unusable pool or ring dimensions.
	ErrInvalidPoolSpec = errors.New("invalid pool spec")
)

var internalLogger = logger.New("shm", nil)

// violation aborts on corrupted shared state. Continuing could hand one slot to two owners.
func violation(format string, a ...interface{}) {
	err := fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocolInvariantViolation}, a...)...)
	internalLogger.Errorf("%v", err)
	panic(err)
}
