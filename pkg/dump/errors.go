package dump

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreClosed is returned by reads on a closed backing store.
	ErrStoreClosed = errors.New("backing store is closed")

	// ErrUnrecognizedFormat is returned when no opener recognizes the dump
	// file.
	ErrUnrecognizedFormat = errors.New("unrecognized dump format")
)

// OutOfRangeError is returned when a read extends past the end of the
// backing store. Reads never truncate: either the full range is returned or
// the read fails.
type OutOfRangeError struct {
	Offset uint64
	Length uint64
	Size   uint64
}

func (err *OutOfRangeError) Error() string {
	return fmt.Sprintf("read of %#x bytes at offset %#x is out of range (store size %#x)", err.Length, err.Offset, err.Size)
}

// UnmappedError is returned when a physical read touches an address that no
// run of the image covers. Addr is the first unmapped physical address of
// the requested range; callers that want to read across run boundaries must
// split the read themselves.
type UnmappedError struct {
	Addr uint64
}

func (err *UnmappedError) Error() string {
	return fmt.Sprintf("physical address %#x is not mapped by the image", err.Addr)
}

// IOError wraps a backing store failure while reading image data, keeping
// it distinguishable from unmapped and out-of-range conditions.
type IOError struct {
	Offset uint64
	Err    error
}

func (err *IOError) Error() string {
	return fmt.Sprintf("i/o error reading dump at offset %#x: %v", err.Offset, err.Err)
}

func (err *IOError) Unwrap() error { return err.Err }

// OverlappingRunsError is returned by NewImage when two physical runs
// overlap.
type OverlappingRunsError struct {
	A, B Run
}

func (err *OverlappingRunsError) Error() string {
	return fmt.Sprintf("physical runs overlap: [%#x,%#x) and [%#x,%#x)",
		err.A.PhysStart, err.A.PhysStart+err.A.Length,
		err.B.PhysStart, err.B.PhysStart+err.B.Length)
}
