package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is an NVM region backed by a file of fixed size, for hosted
// deployments and tooling. The file is created and padded with 0xFF if it
// does not exist or is shorter than the region.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenFile opens (or creates) path as a region of the given size.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() < size {
		// Pad the tail with erased cells.
		pad := make([]byte, size-st.Size())
		for i := range pad {
			pad[i] = ErasedByte
		}
		if _, err := f.WriteAt(pad, st.Size()); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return &File{f: f, size: size}, nil
}

// Close releases the underlying file.
func (s *File) Close() error {
	return s.f.Close()
}

// ReadAt implements the byte-addressed read with region bounds.
func (s *File) ReadAt(off int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off >= s.size {
		return 0, io.EOF
	}
	if max := s.size - off; int64(len(p)) > max {
		n, err := s.f.ReadAt(p[:max], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.f.ReadAt(p, off)
}

// WriteAt implements the byte-addressed write with region bounds.
func (s *File) WriteAt(off int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off >= s.size {
		return 0, io.ErrShortWrite
	}
	if max := s.size - off; int64(len(p)) > max {
		n, err := s.f.WriteAt(p[:max], off)
		if err == nil {
			err = io.ErrShortWrite
		}
		return n, err
	}
	return s.f.WriteAt(p, off)
}

// BeginUpgrade erases the region in preparation for a new image.
func (s *File) BeginUpgrade() error {
	return s.Erase()
}

// EndUpgrade closes the upgrade bracket, flushing the file.
func (s *File) EndUpgrade(success bool) error {
	return s.f.Sync()
}

// Erase fills the whole region with 0xFF.
func (s *File) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blank := make([]byte, 4096)
	for i := range blank {
		blank[i] = ErasedByte
	}
	for off := int64(0); off < s.size; off += int64(len(blank)) {
		chunk := blank
		if rem := s.size - off; rem < int64(len(blank)) {
			chunk = blank[:rem]
		}
		if _, err := s.f.WriteAt(chunk, off); err != nil {
			return err
		}
	}
	return nil
}
