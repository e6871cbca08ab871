package segment

import "github.com/pkg/errors"

var (
	// ErrOutOfSpace is returned when the segment file cannot grow and the
	// free queue is empty (spec §7, not locally recoverable).
	ErrOutOfSpace = errors.New("segment: out of space")

	// ErrObjectTooLarge is returned when a single object would not fit in
	// an empty segment at all.
	ErrObjectTooLarge = errors.New("segment: object larger than one segment")

	// ErrNoFreeSessionSlot is returned by StartSession once 64 sessions
	// are already active (spec §3.1: "at most 64 sessions").
	ErrNoFreeSessionSlot = errors.New("segment: no free session slot")

	// ErrChecksumMismatch surfaces as IntegrityError at higher layers.
	ErrChecksumMismatch = errors.New("segment: checksum mismatch")
)

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errors.Errorf(format, args...))
	}
}
