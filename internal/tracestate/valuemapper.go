package tracestate

import (
	"sync"

	"gitlab.com/tozd/go/errors"
)

// ValueMapper is an injective mapping from real identifiers the kernel
// hands out (inode numbers, modification times) to virtual ones the tracer
// invents. A real value maps to exactly one virtual value for its entire
// lifetime, until explicitly erased; erasing is what makes it safe for the
// kernel to recycle the real value later. Virtual values are allocated
// sequentially from a fixed start, so allocation order alone determines
// them and repeated runs agree.
type ValueMapper struct {
	mu            sync.Mutex
	name          string
	realToVirtual map[uint64]uint64
	virtualToReal map[uint64]uint64
	next          uint64
}

// NewValueMapper returns an empty mapper. name is used in error messages,
// freshStart is the first virtual value to hand out.
func NewValueMapper(name string, freshStart uint64) *ValueMapper {
	return &ValueMapper{
		name:          name,
		realToVirtual: map[uint64]uint64{},
		virtualToReal: map[uint64]uint64{},
		next:          freshStart,
	}
}

// GetOrInsert returns the virtual value for real, allocating a fresh one on
// first sight. Idempotent until an intervening Erase.
func (m *ValueMapper) GetOrInsert(real uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	virtual, ok := m.realToVirtual[real]
	if ok {
		return virtual
	}

	virtual = m.next
	m.next++
	m.realToVirtual[real] = virtual
	m.virtualToReal[virtual] = real

	return virtual
}

// Get returns the virtual value for real without allocating.
func (m *ValueMapper) Get(real uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	virtual, ok := m.realToVirtual[real]
	return virtual, ok
}

// RealValue is the reverse lookup, from virtual back to real.
func (m *ValueMapper) RealValue(virtual uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	real, ok := m.virtualToReal[virtual]
	return real, ok
}

// Insert records a chosen virtual value for real. Used when the virtual
// value is dictated by something else (a thread's logical time) instead of
// allocated. Both sides must be unused, otherwise injectivity would break.
func (m *ValueMapper) Insert(real, virtual uint64) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.realToVirtual[real]; ok {
		return errors.Errorf("%s map: %d already maps to %d", m.name, real, existing)
	}
	if existing, ok := m.virtualToReal[virtual]; ok {
		return errors.Errorf("%s map: virtual %d already taken by %d", m.name, virtual, existing)
	}

	m.realToVirtual[real] = virtual
	m.virtualToReal[virtual] = real

	return nil
}

// Erase removes the mapping for real in both directions. It is the only
// sanctioned way to allow real-value reuse; erasing an absent value is a
// contract violation, not a no-op, since it means the caller's idea of live
// mappings has diverged from ours.
func (m *ValueMapper) Erase(real uint64) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	virtual, ok := m.realToVirtual[real]
	if !ok {
		return errors.Errorf("%s map: erase of unmapped value %d", m.name, real)
	}

	delete(m.realToVirtual, real)
	delete(m.virtualToReal, virtual)

	return nil
}

// Len returns the number of live mappings.
func (m *ValueMapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.realToVirtual)
}
