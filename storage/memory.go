package storage

import (
	"fmt"
	"io"
	"sync"
)

// Memory is a fixed-size in-memory NVM region. It mimics flash semantics:
// BeginUpgrade erases the region, reads past the end short-read, erased
// cells hold 0xFF. Safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	region    []byte
	upgrading bool
}

// NewMemory returns an erased region of the given size in bytes.
func NewMemory(size int) *Memory {
	m := &Memory{region: make([]byte, size)}
	m.eraseLocked()
	return m
}

// Size returns the region size in bytes.
func (m *Memory) Size() int {
	return len(m.region)
}

// ReadAt implements the byte-addressed read. Reads that cross the end of
// the region return a short count with io.EOF.
func (m *Memory) ReadAt(off int64, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("storage: negative offset %d", off)
	}
	if off >= int64(len(m.region)) {
		return 0, io.EOF
	}
	n := copy(p, m.region[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the byte-addressed write. Writes that cross the end of
// the region are truncated and report a short count.
func (m *Memory) WriteAt(off int64, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("storage: negative offset %d", off)
	}
	if off >= int64(len(m.region)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.region[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// BeginUpgrade erases the region in preparation for a new image.
func (m *Memory) BeginUpgrade() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upgrading = true
	m.eraseLocked()
	return nil
}

// EndUpgrade closes the upgrade bracket.
func (m *Memory) EndUpgrade(success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upgrading = false
	return nil
}

// Erase fills the whole region with 0xFF.
func (m *Memory) Erase() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eraseLocked()
	return nil
}

// Load copies data into the region starting at offset 0, e.g. to seed a
// resident application image before constructing a controller.
func (m *Memory) Load(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.region, data)
}

// Bytes returns a copy of the region contents.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.region))
	copy(out, m.region)
	return out
}

func (m *Memory) eraseLocked() {
	for i := range m.region {
		m.region[i] = ErasedByte
	}
}
