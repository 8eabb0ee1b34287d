package dump

import (
	"bytes"
	"os"

	"golang.org/x/exp/mmap"
)

// Store is a read-only, randomly addressable view over a dump file. A Store
// is never mutated after it is opened and reads are safe for concurrent use.
// ReadAt either fills buf completely or fails; it never returns a short
// read.
type Store interface {
	ReadAt(buf []byte, off int64) (int, error)
	Size() int64
	Close() error
}

// OpenStore opens the file at path as a backing store. Memory mapping is
// used when possible; if the file cannot be mapped (for example a span too
// large for the address space of a 32-bit build) it falls back to windowed
// pread access, with identical read semantics.
func OpenStore(path string) (Store, error) {
	r, err := mmap.Open(path)
	if err == nil {
		return &mmapStore{r: r}, nil
	}
	f, ferr := os.Open(path)
	if ferr != nil {
		// The original open error is more descriptive if the file simply
		// doesn't exist or isn't readable.
		return nil, ferr
	}
	fi, ferr := f.Stat()
	if ferr != nil {
		f.Close()
		return nil, ferr
	}
	return &fileStore{f: f, size: fi.Size()}, nil
}

type mmapStore struct {
	r *mmap.ReaderAt
}

func (s *mmapStore) ReadAt(buf []byte, off int64) (int, error) {
	if s.r == nil {
		return 0, ErrStoreClosed
	}
	if off < 0 || off+int64(len(buf)) > int64(s.r.Len()) {
		return 0, &OutOfRangeError{Offset: uint64(off), Length: uint64(len(buf)), Size: uint64(s.r.Len())}
	}
	return s.r.ReadAt(buf, off)
}

func (s *mmapStore) Size() int64 {
	if s.r == nil {
		return 0
	}
	return int64(s.r.Len())
}

func (s *mmapStore) Close() error {
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

type fileStore struct {
	f    *os.File
	size int64
}

func (s *fileStore) ReadAt(buf []byte, off int64) (int, error) {
	if s.f == nil {
		return 0, ErrStoreClosed
	}
	if off < 0 || off+int64(len(buf)) > s.size {
		return 0, &OutOfRangeError{Offset: uint64(off), Length: uint64(len(buf)), Size: uint64(s.size)}
	}
	return s.f.ReadAt(buf, off)
}

func (s *fileStore) Size() int64 { return s.size }

func (s *fileStore) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// bufferStore serves reads from an in-memory byte slice. Used by tests and
// by callers that already hold the dump contents.
type bufferStore struct {
	r    *bytes.Reader
	size int64
}

// NewBufferStore returns a Store reading from data.
func NewBufferStore(data []byte) Store {
	return &bufferStore{r: bytes.NewReader(data), size: int64(len(data))}
}

func (s *bufferStore) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(buf)) > s.size {
		return 0, &OutOfRangeError{Offset: uint64(off), Length: uint64(len(buf)), Size: uint64(s.size)}
	}
	return s.r.ReadAt(buf, off)
}

func (s *bufferStore) Size() int64 { return s.size }

func (s *bufferStore) Close() error { return nil }
