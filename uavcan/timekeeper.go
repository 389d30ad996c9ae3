package uavcan

import (
	"sync"
	"time"
)

// TickSource is a free-running tick counter, typically a hardware timer.
// The counter may wrap; the Timekeeper compensates as long as it is
// sampled at least once per wrap period.
type TickSource interface {
	// Ticks returns the current counter value.
	Ticks() uint32

	// Frequency returns the counter frequency in Hz.
	Frequency() uint32
}

// Timekeeper builds an absolute microsecond clock that never wraps out of
// a wrapping tick counter: every query samples the counter, computes the
// increment since the previous sample and accumulates it into a 64-bit
// base. Queries must happen often enough that less than one full counter
// period elapses between two samples.
type Timekeeper struct {
	mu    sync.Mutex
	src   TickSource
	last  uint32
	ticks uint64
}

// NewTimekeeper captures the uptime origin and returns a running clock.
func NewTimekeeper(src TickSource) *Timekeeper {
	return &Timekeeper{src: src, last: src.Ticks()}
}

// Micros returns microseconds since the Timekeeper was created.
func (t *Timekeeper) Micros() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.src.Ticks()
	t.ticks += uint64(now - t.last) // wrap-safe in uint32 arithmetic
	t.last = now

	freq := uint64(t.src.Frequency())
	sec := t.ticks / freq
	rem := t.ticks % freq
	return sec*1000000 + rem*1000000/freq
}

// UptimeSeconds returns whole seconds since the Timekeeper was created.
func (t *Timekeeper) UptimeSeconds() uint32 {
	return uint32(t.Micros() / 1000000)
}

// systemTicks is a hosted tick source driven by the Go runtime's monotonic
// clock, for use where no hardware timer is involved.
type systemTicks struct {
	origin time.Time
}

func newSystemTicks() *systemTicks {
	return &systemTicks{origin: time.Now()}
}

func (s *systemTicks) Ticks() uint32 {
	return uint32(time.Since(s.origin).Microseconds())
}

func (s *systemTicks) Frequency() uint32 {
	return 1000000
}
