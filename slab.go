// Copyright 2025 The Slab Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package slab provides a stable-index slot container. Values are stored in
// a densely packed backing array of slots and are addressed by the integer
// key handed out at insertion time. A key stays valid, and keeps addressing
// the same value, until that key is explicitly removed. Removed slots are
// recycled through a free list so that insertion, removal, and lookup are
// all O(1); insertion is amortized O(1) when the backing array has to grow.
//
// # Design
//
// Each slot in the backing array is either occupied, holding a value, or
// vacant. The free list is intrusive: a vacant slot stores the index of the
// next vacant slot, so recycling a slot is a push or pop on the list head
// with no auxiliary allocation. In the classic C formulation the next-free
// link aliases the value's memory; here the link is a separate field and
// doubles as the occupancy tag, which buys memory safety at the cost of one
// int per slot.
//
// Insertion prefers the free-list head over appending, so keys freed by
// Remove are reused in LIFO order. Callers that need a particular key can
// use InsertAt, which materializes any missing slots between the current
// end of the backing array and the requested key as vacant slots on the
// free list. VacantEntry exposes the key of the next insertion before the
// value is supplied, which is useful for self-referential values that need
// to embed their own key.
//
// ShrinkToFit releases the capacity that heavy insert/remove churn leaves
// behind. It only drops trailing vacant slots: compacting interior gaps
// would renumber live keys and break the stable-index contract, so interior
// vacant slots stay where they are and remain reusable.
package slab

import (
	"fmt"
	"strings"
)

const debug = false

const (
	// freeListEnd terminates the free list.
	freeListEnd = -1
	// occupiedSlot tags a slot that holds a value.
	occupiedSlot = -2
)

// Slot is one storage unit in a Slab's backing store. A slot is either
// occupied, holding a value, or vacant, holding the intrusive link to the
// next vacant slot on the free list.
type Slot[V any] struct {
	value V
	// next is occupiedSlot when the slot holds a value. Otherwise the slot
	// is vacant and next is the index of the next vacant slot on the free
	// list, or freeListEnd.
	next int
}

func (s *Slot[V]) occupied() bool {
	return s.next == occupiedSlot
}

// Slab is a container of values addressed by stable integer keys, with
// Insert, InsertAt, Remove, Get, and All operations. Keys are allocated
// densely starting at zero and freed keys are reused.
//
// A Slab is NOT goroutine-safe. One owner at a time may mutate it; read
// operations (Get, Contains, All, Len, Capacity) may run concurrently with
// each other but never with a mutation.
type Slab[V any] struct {
	// slots is the backing store. len(slots) is the number of slots that
	// have been materialized so far; cap(slots) is the allocated capacity.
	// Slots never move once materialized, only their tag and payload
	// change.
	slots []Slot[V]
	// free is the head of the free list threaded through the vacant slots,
	// or freeListEnd if no slot is reusable.
	free int
	// used is the number of occupied slots, distinct from len(slots).
	used int
	// seq counts mutations. VacantEntry handles capture it so that
	// committing a handle after an intervening mutation can be detected.
	seq uint64
	// The allocator to use for the slots array.
	allocator Allocator[V]
}

// New constructs a new Slab with the specified initial capacity. If
// initialCapacity is 0 the slab starts with no backing store and allocates
// on the first insert.
func New[V any](initialCapacity int, options ...option[V]) *Slab[V] {
	var s Slab[V]
	s.Init(initialCapacity, options...)
	return &s
}

// Init initializes a slab, discarding any previous contents. It allows a
// Slab value to be reused without reallocating the struct itself.
func (s *Slab[V]) Init(initialCapacity int, options ...option[V]) {
	*s = Slab[V]{
		free:      freeListEnd,
		allocator: defaultAllocator[V]{},
	}
	for _, op := range options {
		op.apply(s)
	}
	if initialCapacity > 0 {
		s.slots = s.allocator.AllocSlots(initialCapacity)[:0]
	}
	s.checkInvariants()
}

// Close closes the slab, releasing its memory back to the configured
// allocator. It is unnecessary to close a slab using the default allocator.
// It is invalid to use a Slab after it has been closed, though Close itself
// is idempotent.
func (s *Slab[V]) Close() {
	if s.allocator == nil {
		return
	}
	if cap(s.slots) > 0 {
		s.allocator.FreeSlots(s.slots[:cap(s.slots)])
	}
	s.slots = nil
	s.free = freeListEnd
	s.used = 0
	s.allocator = nil
}

// Insert stores value in the slab and returns the key it was assigned. The
// head of the free list is reused if one exists; otherwise a new slot is
// appended to the backing store, growing it geometrically when it is full.
func (s *Slab[V]) Insert(value V) int {
	key := s.nextKey()
	s.commit(key, value)
	if debug {
		fmt.Printf("insert: key=%d used=%d size=%d free=%d\n",
			key, s.used, len(s.slots), s.free)
	}
	return key
}

// InsertAt stores value at the caller-chosen key, regardless of the current
// free-list state. If the key was occupied its previous value is returned
// with replaced=true. If the key lies at or beyond the current end of the
// backing store, every slot between the old end and key is materialized as
// vacant and threaded onto the free list, so Len grows by exactly one and
// no capacity is silently lost. A negative key is a programmer error and
// panics.
func (s *Slab[V]) InsertAt(key int, value V) (old V, replaced bool) {
	if key < 0 {
		panic(fmt.Sprintf("slab: negative key %d", key))
	}
	if key < len(s.slots) && s.slots[key].occupied() {
		s.seq++
		old, s.slots[key].value = s.slots[key].value, value
		s.checkInvariants()
		return old, true
	}
	s.seq++
	// Materialize any missing slots up to and including key as vacant
	// slots on the free list. Pushing in ascending order makes key the
	// list head whenever it is the last slot created, so the unlink below
	// is O(1) on the growth path.
	s.grow(key + 1)
	for len(s.slots) <= key {
		s.slots = append(s.slots, Slot[V]{next: s.free})
		s.free = len(s.slots) - 1
	}
	s.unlink(key)
	s.slots[key] = Slot[V]{value: value, next: occupiedSlot}
	s.used++
	if debug {
		fmt.Printf("insert-at: key=%d used=%d size=%d free=%d\n",
			key, s.used, len(s.slots), s.free)
	}
	s.checkInvariants()
	return old, false
}

// Remove deletes the entry at key and returns its value. Removing a key
// that is out of bounds or vacant returns removed=false; a stale key is the
// expected miss case, not an error.
func (s *Slab[V]) Remove(key int) (value V, removed bool) {
	if key < 0 || key >= len(s.slots) || !s.slots[key].occupied() {
		return value, false
	}
	s.seq++
	value = s.slots[key].value
	s.slots[key] = Slot[V]{next: s.free}
	s.free = key
	s.used--
	if debug {
		fmt.Printf("remove: key=%d used=%d free=%d\n", key, s.used, s.free)
	}
	s.checkInvariants()
	return value, true
}

// Get returns the value stored at key, with ok=false if the key is out of
// bounds or vacant.
func (s *Slab[V]) Get(key int) (value V, ok bool) {
	if key < 0 || key >= len(s.slots) || !s.slots[key].occupied() {
		return value, false
	}
	return s.slots[key].value, true
}

// Contains reports whether key currently addresses a value.
func (s *Slab[V]) Contains(key int) bool {
	return key >= 0 && key < len(s.slots) && s.slots[key].occupied()
}

// Reserve grows the backing-store capacity by at least additional slots
// beyond those already materialized. Len and the validity of every existing
// key are unchanged.
func (s *Slab[V]) Reserve(additional int) {
	if additional < 0 {
		panic(fmt.Sprintf("slab: negative additional capacity %d", additional))
	}
	s.grow(len(s.slots) + additional)
	s.checkInvariants()
}

// ShrinkToFit reclaims the backing-store capacity wasted by churn. Trailing
// vacant slots are dropped, the free list is rebuilt over the surviving
// prefix, and the backing store is reallocated at exactly the surviving
// length. Keys of occupied slots never change; interior vacant slots are
// kept and remain reusable.
func (s *Slab[V]) ShrinkToFit() {
	s.seq++
	size := len(s.slots)
	for size > 0 && !s.slots[size-1].occupied() {
		size--
	}
	// Rebuild the free list over the surviving prefix so that dropped
	// trailing slots cannot linger on it. Threading back-to-front leaves
	// the lowest vacant key at the head.
	s.free = freeListEnd
	for i := size - 1; i >= 0; i-- {
		if !s.slots[i].occupied() {
			s.slots[i].next = s.free
			s.free = i
		}
	}
	if debug {
		fmt.Printf("shrink-to-fit: size=%d->%d capacity=%d->%d\n",
			len(s.slots), size, cap(s.slots), size)
	}
	old := s.slots
	if size == cap(old) {
		s.slots = old[:size]
	} else {
		s.slots = s.allocator.AllocSlots(size)[:size]
		copy(s.slots, old[:size])
		if cap(old) > 0 {
			s.allocator.FreeSlots(old[:cap(old)])
		}
	}
	s.checkInvariants()
}

// Clear removes all entries. The backing-store capacity is retained.
func (s *Slab[V]) Clear() {
	s.seq++
	clear(s.slots)
	s.slots = s.slots[:0]
	s.free = freeListEnd
	s.used = 0
	s.checkInvariants()
}

// Retain removes every entry for which fn returns false. The keys of
// retained entries are unchanged.
func (s *Slab[V]) Retain(fn func(key int, value V) bool) {
	for i := range s.slots {
		if s.slots[i].occupied() && !fn(i, s.slots[i].value) {
			s.seq++
			s.slots[i] = Slot[V]{next: s.free}
			s.free = i
			s.used--
		}
	}
	s.checkInvariants()
}

// All calls yield sequentially for every occupied slot in ascending key
// order. If yield returns false, iteration stops. The slab must not be
// mutated during iteration.
func (s *Slab[V]) All(yield func(key int, value V) bool) {
	for i := range s.slots {
		if s.slots[i].occupied() {
			if !yield(i, s.slots[i].value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the slab.
func (s *Slab[V]) Len() int {
	return s.used
}

// Capacity returns the number of slots the slab can hold before the backing
// store must grow. Capacity never decreases except via ShrinkToFit.
func (s *Slab[V]) Capacity() int {
	return cap(s.slots)
}

// A VacantEntry is a single-use reservation of the key the next insertion
// will receive, letting a caller learn the key before supplying the value.
//
// The entry is tied to the state of the slab at the time it was created:
// committing it after any intervening mutation, including a commit through
// the entry itself, is a programmer error and panics.
type VacantEntry[V any] struct {
	slab *Slab[V]
	key  int
	seq  uint64
}

// VacantEntry returns a handle for the slot the next insertion will occupy.
// The slab is not mutated.
func (s *Slab[V]) VacantEntry() *VacantEntry[V] {
	return &VacantEntry[V]{slab: s, key: s.nextKey(), seq: s.seq}
}

// Key returns the key that Insert will commit to.
func (e *VacantEntry[V]) Key() int {
	return e.key
}

// Insert commits value at the reserved key and returns that key, exactly as
// Slab.Insert would have at the time the entry was created.
func (e *VacantEntry[V]) Insert(value V) int {
	if e.seq != e.slab.seq {
		panic("slab: vacant entry used after the slab was mutated")
	}
	e.slab.commit(e.key, value)
	return e.key
}

// nextKey returns the key the next insertion will occupy, without mutating
// the slab: the free-list head if one exists, the append position
// otherwise.
func (s *Slab[V]) nextKey() int {
	if s.free != freeListEnd {
		return s.free
	}
	return len(s.slots)
}

// commit occupies key, which must be the current free-list head or the
// current append position (i.e. the value of nextKey).
func (s *Slab[V]) commit(key int, value V) {
	s.seq++
	if key == s.free {
		s.free = s.slots[key].next
		s.slots[key] = Slot[V]{value: value, next: occupiedSlot}
	} else {
		s.grow(len(s.slots) + 1)
		s.slots = append(s.slots, Slot[V]{value: value, next: occupiedSlot})
	}
	s.used++
	s.checkInvariants()
}

// unlink removes a vacant slot from the free list. The head is unlinked in
// constant time; otherwise the list is walked to find the predecessor.
func (s *Slab[V]) unlink(key int) {
	if s.free == key {
		s.free = s.slots[key].next
		return
	}
	for i := s.free; i != freeListEnd; i = s.slots[i].next {
		if s.slots[i].next == key {
			s.slots[i].next = s.slots[key].next
			return
		}
	}
	panic(fmt.Sprintf("slab: vacant slot %d not on the free list\n%s",
		key, s.debugString()))
}

// grow ensures the backing store can hold at least minCapacity slots,
// reallocating geometrically so that appends stay amortized O(1).
func (s *Slab[V]) grow(minCapacity int) {
	if minCapacity <= cap(s.slots) {
		return
	}
	newCapacity := 2 * cap(s.slots)
	if newCapacity < minCapacity {
		newCapacity = minCapacity
	}
	if newCapacity < 4 {
		newCapacity = 4
	}
	if debug {
		fmt.Printf("grow: capacity=%d->%d\n", cap(s.slots), newCapacity)
	}
	old := s.slots
	s.slots = s.allocator.AllocSlots(newCapacity)[:len(old)]
	copy(s.slots, old)
	if cap(old) > 0 {
		s.allocator.FreeSlots(old[:cap(old)])
	}
}

func (s *Slab[V]) checkInvariants() {
	if invariants {
		s.verify()
	}
}

// verify panics if the slab's internal invariants do not hold: the used
// count must match the number of occupied slots, and the free list must be
// in-bounds, acyclic, and visit every vacant slot exactly once.
func (s *Slab[V]) verify() {
	if s.used > len(s.slots) {
		panic(fmt.Sprintf("invariant failed: used=%d exceeds %d slots\n%s",
			s.used, len(s.slots), s.debugString()))
	}

	var occupied, vacant int
	for i := range s.slots {
		if s.slots[i].occupied() {
			occupied++
		} else {
			vacant++
		}
	}
	if occupied != s.used {
		panic(fmt.Sprintf("invariant failed: found %d occupied slots, but used count is %d\n%s",
			occupied, s.used, s.debugString()))
	}

	seen := make([]bool, len(s.slots))
	var walked int
	for i := s.free; i != freeListEnd; i = s.slots[i].next {
		if i < 0 || i >= len(s.slots) {
			panic(fmt.Sprintf("invariant failed: free-list index %d out of bounds\n%s",
				i, s.debugString()))
		}
		if s.slots[i].occupied() {
			panic(fmt.Sprintf("invariant failed: occupied slot %d on the free list\n%s",
				i, s.debugString()))
		}
		if seen[i] {
			panic(fmt.Sprintf("invariant failed: free-list cycle at slot %d\n%s",
				i, s.debugString()))
		}
		seen[i] = true
		walked++
	}
	if walked != vacant {
		panic(fmt.Sprintf("invariant failed: %d vacant slots, but %d on the free list\n%s",
			vacant, walked, s.debugString()))
	}
}

func (s *Slab[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "used=%d  size=%d  capacity=%d  free=%d\n",
		s.used, len(s.slots), cap(s.slots), s.free)
	for i := range s.slots {
		if s.slots[i].occupied() {
			fmt.Fprintf(&buf, "  %4d: %v\n", i, s.slots[i].value)
		} else if s.slots[i].next == freeListEnd {
			fmt.Fprintf(&buf, "  %4d: vacant -> end\n", i)
		} else {
			fmt.Fprintf(&buf, "  %4d: vacant -> %d\n", i, s.slots[i].next)
		}
	}
	return buf.String()
}
