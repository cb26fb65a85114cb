// Package storage implements the byte-granular, growable random-access
// backing store that the LTrie page cache is layered on top of.
package storage

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ByteStorage is a contiguous, zero-indexed, growable sequence of bytes.
// Reads past Length fail; writes past Length extend it, zero-filling any
// gap. Implementations need not be durable until Flush returns.
type ByteStorage interface {
	// Read fills dest from [offset, offset+len(dest)). It fails if the
	// requested range exceeds Length.
	Read(offset uint64, dest []byte) error
	// Write writes src starting at offset, extending Length to
	// max(Length, offset+len(src)) and zero-filling any gap.
	Write(offset uint64, src []byte) error
	// Reserve extends Length by n zero bytes and returns the previous
	// Length — the start offset of the reserved region.
	Reserve(n uint64) (uint64, error)
	// Length returns the current logical length of the storage.
	Length() uint64
	// Flush ensures persistence to durable media.
	Flush() error
	// Close releases the underlying handle. An implicit flush is not
	// required.
	Close() error
}

// FileByteStorage is a ByteStorage backed by a single OS file.
type FileByteStorage struct {
	file   *os.File
	length uint64
}

// OpenFileStorage opens or creates the file at path as a ByteStorage.
func OpenFileStorage(path string) (*FileByteStorage, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening storage file %s", path)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stating storage file %s", path)
	}

	return &FileByteStorage{
		file:   file,
		length: uint64(stat.Size()),
	}, nil
}

// Read implements ByteStorage.
func (s *FileByteStorage) Read(offset uint64, dest []byte) error {
	if len(dest) == 0 {
		return nil
	}
	end := offset + uint64(len(dest))
	if end > s.length {
		return errors.Errorf("read [%d,%d) exceeds length %d", offset, end, s.length)
	}

	if _, err := s.file.ReadAt(dest, int64(offset)); err != nil {
		return errors.Wrapf(err, "reading storage at offset %d", offset)
	}
	return nil
}

// Write implements ByteStorage.
func (s *FileByteStorage) Write(offset uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}

	if _, err := s.file.WriteAt(src, int64(offset)); err != nil {
		return errors.Wrapf(err, "writing storage at offset %d", offset)
	}

	end := offset + uint64(len(src))
	if end > s.length {
		s.length = end
	}
	return nil
}

// Reserve implements ByteStorage.
func (s *FileByteStorage) Reserve(n uint64) (uint64, error) {
	start := s.length
	if n == 0 {
		return start, nil
	}

	zeros := make([]byte, n)
	if _, err := s.file.WriteAt(zeros, int64(start)); err != nil {
		return 0, errors.Wrapf(err, "reserving %d bytes at offset %d", n, start)
	}

	s.length = start + n
	return start, nil
}

// Length implements ByteStorage.
func (s *FileByteStorage) Length() uint64 {
	return s.length
}

// Flush implements ByteStorage.
func (s *FileByteStorage) Flush() error {
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "flushing storage")
	}
	return nil
}

// Close implements ByteStorage.
func (s *FileByteStorage) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// String implements fmt.Stringer, handy for debugging test failures.
func (s *FileByteStorage) String() string {
	return fmt.Sprintf("FileByteStorage{length: %d}", s.length)
}
