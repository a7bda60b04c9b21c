// Package slab allocates dense, reusable connection identifiers.
//
// A Table is a growable slice of slots plus a free list, the same shape as
// the slab crate the original connection table was built on. Each slot
// carries a generation counter so a stale ID pointing at a freed-then-reused
// slot can be detected and dropped rather than misrouted to the wrong
// connection.
//
// Table is not safe for concurrent use: like the connection map it backs,
// it has a single owner (the reactor goroutine) and needs no locking.
package slab

// ID identifies a live entry in a Table. The low 32 bits are the slot index;
// the high 32 bits are the generation of that slot at insertion time.
type ID uint64

func newID(slot uint32, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(slot))
}

func (id ID) slot() uint32 {
	return uint32(id)
}

func (id ID) generation() uint32 {
	return uint32(id >> 32)
}

type entry[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Table maps IDs to values of type T.
type Table[T any] struct {
	entries []entry[T]
	free    []uint32
}

// NewTable returns an empty Table with room for capHint entries before its
// first growth.
func NewTable[T any](capHint int) *Table[T] {
	return &Table[T]{
		entries: make([]entry[T], 0, capHint),
	}
}

// Insert stores value in a free slot (reusing one from the free list when
// available) and returns its ID.
func (t *Table[T]) Insert(value T) ID {
	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		e := &t.entries[slot]
		e.value = value
		e.occupied = true
		return newID(slot, e.generation)
	}

	slot := uint32(len(t.entries))
	t.entries = append(t.entries, entry[T]{value: value, occupied: true})
	return newID(slot, 0)
}

// Get returns the value for id and whether id is still live. A stale id
// (freed, or never allocated, or belonging to a reused slot from a later
// generation) returns ok=false.
func (t *Table[T]) Get(id ID) (value T, ok bool) {
	slot := id.slot()
	if int(slot) >= len(t.entries) {
		return value, false
	}
	e := &t.entries[slot]
	if !e.occupied || e.generation != id.generation() {
		return value, false
	}
	return e.value, true
}

// Remove frees id's slot, bumping its generation so future lookups using the
// stale id fail. It is a no-op if id is already stale or absent.
func (t *Table[T]) Remove(id ID) {
	slot := id.slot()
	if int(slot) >= len(t.entries) {
		return
	}
	e := &t.entries[slot]
	if !e.occupied || e.generation != id.generation() {
		return
	}
	var zero T
	e.value = zero
	e.occupied = false
	e.generation++
	t.free = append(t.free, slot)
}

// Range calls fn for every currently occupied entry. fn must not call back
// into the Table.
func (t *Table[T]) Range(fn func(id ID, value T)) {
	for slot := range t.entries {
		e := &t.entries[slot]
		if e.occupied {
			fn(newID(uint32(slot), e.generation), e.value)
		}
	}
}

// Len returns the number of occupied entries.
func (t *Table[T]) Len() int {
	return len(t.entries) - len(t.free)
}
