package config

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Capacity limits of a store.
const (
	// MaxParams is the registry capacity.
	MaxParams = 40

	// MaxNameLength is the longest permitted parameter name.
	MaxNameLength = 92
)

// NVM layout offsets.
const (
	offsetLayoutHash = 0
	offsetCRC        = 4
	offsetValues     = 8
)

// maxSaveAttempts bounds the save/restore retry loops; each save retry
// repeats the whole sequence from erase, each restore retry re-reads.
const maxSaveAttempts = 3

// Kind is the declared type of a parameter.
type Kind int

const (
	// KindFloat parameters accept any finite value within [Min, Max].
	KindFloat Kind = iota

	// KindInt parameters must quantize exactly and stay within [Min, Max];
	// the magnitude must be below 2^24 so the float32 carrier is lossless.
	KindInt

	// KindBool parameters accept exactly 0 or 1.
	KindBool
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "INVALID_KIND"
	}
}

// ParamInfo is the immutable registration record of one parameter.
type ParamInfo struct {
	Name    string
	Default float32
	Min     float32
	Max     float32
	Kind    Kind
}

// InitResult tells the caller what Init found in the NVM.
type InitResult int

const (
	// InitRestored: the stored pool matched the layout and its CRC; values
	// were adopted (individually invalid ones reset to defaults).
	InitRestored InitResult = iota + 1

	// InitLayoutMismatch: the registered parameter set differs from the one
	// the store was saved with; defaults were installed.
	InitLayoutMismatch

	// InitCRCMismatch: the layout matched but the pool CRC did not;
	// defaults were installed.
	InitCRCMismatch
)

// String implements fmt.Stringer.
func (r InitResult) String() string {
	switch r {
	case InitRestored:
		return "Restored"
	case InitLayoutMismatch:
		return "LayoutMismatch"
	case InitCRCMismatch:
		return "CrcMismatch"
	default:
		return "INVALID_RESULT"
	}
}

// Backend abstracts the configuration NVM region. The region is disjoint
// from the application image region.
type Backend interface {
	// ReadAt reads from the byte-addressed region.
	ReadAt(off int64, p []byte) (int, error)

	// WriteAt writes to the byte-addressed region.
	WriteAt(off int64, p []byte) (int, error)

	// Erase wipes the whole region.
	Erase() error
}

// Errors returned by Set.
var (
	// ErrNotFound means no parameter with the given name is registered.
	ErrNotFound = fmt.Errorf("config: parameter not found")

	// ErrInvalidValue means the value fails the parameter's validity check.
	ErrInvalidValue = fmt.Errorf("config: invalid value")
)

// Store is a registry of typed scalar parameters with a CRC-protected NVM
// layout. Registration happens before Init; after Init the registry is
// frozen. All operations serialize on an internal mutex; the modification
// counter is readable without it.
type Store struct {
	mu      sync.Mutex
	params  []ParamInfo
	values  []float32
	frozen  bool
	layout  uint32
	backend Backend

	modCount atomic.Uint32
}

// NewStore returns an empty, unfrozen store.
func NewStore() *Store {
	return &Store{}
}

// Register adds a parameter to the registry. It panics on misuse: a frozen
// registry, a full registry, an empty or overlong name, a duplicate name,
// or a default value that fails the validity check. These are programming
// errors on par with registering a duplicate flag.
func (s *Store) Register(p ParamInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		panic("config: Register called after Init")
	}
	if len(s.params) >= MaxParams {
		panic("config: registry full, increase MaxParams")
	}
	if p.Name == "" || len(p.Name) > MaxNameLength {
		panic(fmt.Sprintf("config: bad parameter name %q", p.Name))
	}
	if s.indexByName(p.Name) >= 0 {
		panic(fmt.Sprintf("config: duplicate parameter %q", p.Name))
	}
	if !isValid(&p, p.Default) {
		panic(fmt.Sprintf("config: default %v is invalid for parameter %q", p.Default, p.Name))
	}

	s.params = append(s.params, p)
	s.values = append(s.values, p.Default)

	// The layout hash folds in every name, bytewise, in registration order.
	for i := 0; i < len(p.Name); i++ {
		s.layout = crc32Step(s.layout, p.Name[i])
	}
}

// Init freezes the registry and restores values from the backend.
// Defaults are installed whenever the stored data cannot be trusted; the
// InitResult reports which path was taken. An IO error also leaves defaults
// installed.
func (s *Store) Init(backend Backend) (InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if backend == nil {
		return 0, fmt.Errorf("config: nil backend")
	}
	if s.frozen {
		panic("config: Init called twice")
	}
	s.frozen = true
	s.backend = backend

	s.installDefaults()

	// Layout hash first: a mismatch means the stored pool describes a
	// different parameter set and must not be interpreted.
	var word [4]byte
	stored, err := s.readWord(offsetLayoutHash)
	if err != nil {
		return 0, err
	}
	if stored != s.layout {
		return InitLayoutMismatch, nil
	}

	pool := make([]byte, 4*len(s.params))
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		if n, err := backend.ReadAt(offsetValues, pool); err != nil || n != len(pool) {
			continue
		}
		if n, err := backend.ReadAt(offsetCRC, word[:]); err != nil || n != len(word) {
			continue
		}
		storedCRC := binary.LittleEndian.Uint32(word[:])
		if crc32Sum(pool) != storedCRC {
			continue
		}

		for i := range s.params {
			v := math.Float32frombits(binary.LittleEndian.Uint32(pool[4*i:]))
			if isValid(&s.params[i], v) {
				s.values[i] = v
			} else {
				s.values[i] = s.params[i].Default
			}
		}
		return InitRestored, nil
	}

	s.installDefaults()
	return InitCRCMismatch, nil
}

// Save persists the layout hash, the pool CRC and the value pool. On any
// backend error the whole sequence is retried from erase, up to 3 attempts.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustBeFrozen()

	pool := make([]byte, 4*len(s.params))
	for i, v := range s.values {
		binary.LittleEndian.PutUint32(pool[4*i:], math.Float32bits(v))
	}

	var err error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		if err = s.backend.Erase(); err != nil {
			continue
		}
		if err = s.writeWord(offsetLayoutHash, s.layout); err != nil {
			continue
		}
		if err = s.writeWord(offsetCRC, crc32Sum(pool)); err != nil {
			continue
		}
		if err = s.writeAll(offsetValues, pool); err != nil {
			continue
		}
		return nil
	}
	return err
}

// Erase wipes the backend region, reinstalls defaults in memory and bumps
// the modification counter.
func (s *Store) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustBeFrozen()

	if err := s.backend.Erase(); err != nil {
		return err
	}
	s.installDefaults()
	s.modCount.Add(1)
	return nil
}

// Set stores a new value for the named parameter.
func (s *Store) Set(name string, value float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustBeFrozen()

	i := s.indexByName(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !isValid(&s.params[i], value) {
		return fmt.Errorf("%w: %v for %q", ErrInvalidValue, value, name)
	}
	s.values[i] = value
	s.modCount.Add(1)
	return nil
}

// Get returns the current value of the named parameter, or NaN if no such
// parameter is registered.
func (s *Store) Get(name string) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustBeFrozen()

	i := s.indexByName(name)
	if i < 0 {
		return float32(math.NaN())
	}
	return s.values[i]
}

// Info returns the registration record of the named parameter.
func (s *Store) Info(name string) (ParamInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByName(name)
	if i < 0 {
		return ParamInfo{}, false
	}
	return s.params[i], true
}

// Count returns the number of registered parameters.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

// NameByIndex returns the name of the i-th registered parameter, or ""
// when the index is out of range. Useful for CLI-style enumeration.
func (s *Store) NameByIndex(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.params) {
		return ""
	}
	return s.params[i].Name
}

// ModificationCounter is monotonic and readable without the lock; other
// tasks use it to poll for changes.
func (s *Store) ModificationCounter() uint32 {
	return s.modCount.Load()
}

func (s *Store) indexByName(name string) int {
	for i := range s.params {
		if s.params[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *Store) installDefaults() {
	for i := range s.params {
		s.values[i] = s.params[i].Default
	}
}

func (s *Store) mustBeFrozen() {
	if !s.frozen {
		panic("config: store used before Init")
	}
}

// readWord reads a little-endian uint32 with the standard retry budget.
func (s *Store) readWord(off int64) (uint32, error) {
	var word [4]byte
	var err error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		var n int
		n, err = s.backend.ReadAt(off, word[:])
		if err == nil && n == len(word) {
			return binary.LittleEndian.Uint32(word[:]), nil
		}
		if err == nil {
			err = fmt.Errorf("config: short read at %d", off)
		}
	}
	return 0, err
}

func (s *Store) writeWord(off int64, v uint32) error {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	return s.writeAll(off, word[:])
}

func (s *Store) writeAll(off int64, p []byte) error {
	n, err := s.backend.WriteAt(off, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("config: short write at %d: %d of %d bytes", off, n, len(p))
	}
	return nil
}

// isValid reports whether value is acceptable for the parameter: finite;
// for Bool exactly 0 or 1; for Int exactly representable as an integer with
// magnitude below 2^24; for Int and Float within [Min, Max].
func isValid(p *ParamInfo, value float32) bool {
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return false
	}

	switch p.Kind {
	case KindBool:
		return value == 0 || value == 1

	case KindInt:
		if float32(int64(value)) != value {
			return false
		}
		if value >= 16777216 || value <= -16777216 {
			return false
		}
		return value >= p.Min && value <= p.Max

	case KindFloat:
		return value >= p.Min && value <= p.Max

	default:
		return false
	}
}
