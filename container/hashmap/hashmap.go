// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package hashmap implements Map[K,V], an open-addressed concurrent hash
// table with linear probing and tombstones, and Set[K] as Map[K,struct{}].
// See spec §4.5.
//
// The wire layout widens the per-slot state flag from the spec's 1-byte
// atomic to a 4-byte word: sync/atomic has no sub-word compare-and-swap,
// so every atomic field in this module is at least 32 bits, the same
// choice package directory makes for its creation lock.
package hashmap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/dchest/siphash"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/ints"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 48 // capacity(8), size(8 atomic), hash_seed0(8), hash_seed1(8), key_size(8), value_size(8)

const (
	offCapacity = 0
	offSize     = 8
	offSeed0    = 16
	offSeed1    = 24
	offKeySize  = 32
	offValSize  = 40
)

const slotHeaderSize = 8 // state(4), reserved(4)

const (
	stateEmpty     uint32 = 0
	stateOccupied  uint32 = 1
	stateTombstone uint32 = 2
)

func maxLoadFactorNumDen() (num, den uint64) { return 7, 10 }

func nextPow2(n int) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < uint64(n) {
		p <<= 1
	}
	return p
}

// Map is a fixed-capacity open-addressed concurrent hash table.
type Map[K comparable, V any] struct {
	mem      []byte
	capacity uint64
	slotSize uintptr
	seed0    uint64
	seed1    uint64
}

// Create bump-allocates a new Map[K,V] inside tab. requestedCapacity is
// rounded up to the next power of two. The table's siphash seed is
// generated once at creation time from a cryptographic random source
// and stored in the header, so every process that Opens this table
// hashes keys identically without agreeing on a fixed key out of band,
// and without every zeroipc table on the host sharing one hash-flood
// target.
func Create[K comparable, V any](tab *directory.Table, name string, requestedCapacity int) (*Map[K, V], error) {
	capacity := nextPow2(requestedCapacity)
	slotSize := uintptr(slotHeaderSize) + wire.SizeOf[K]() + wire.SizeOf[V]()
	size := uint32(headerSize) + uint32(capacity)*uint32(slotSize)
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[offCapacity:], capacity)
	atomic.StoreUint64(wire.U64(mem, offSize), 0)
	wire.LE.PutUint64(mem[offKeySize:], uint64(wire.SizeOf[K]()))
	wire.LE.PutUint64(mem[offValSize:], uint64(wire.SizeOf[V]()))

	seeds := make([]uint64, 2)
	if err := ints.RandomFillSlice(seeds); err != nil {
		return nil, fmt.Errorf("%w: generating hash seed: %s", zeroipc.ErrIO, err)
	}
	wire.LE.PutUint64(mem[offSeed0:], seeds[0])
	wire.LE.PutUint64(mem[offSeed1:], seeds[1])

	return &Map[K, V]{mem: mem, capacity: capacity, slotSize: slotSize, seed0: seeds[0], seed1: seeds[1]}, nil
}

// Open attaches to an existing Map[K,V] named name within tab. It fails
// with zeroipc.ErrTypeMismatch if K or V's size differs from the sizes
// stored at Create time.
func Open[K comparable, V any](tab *directory.Table, name string) (*Map[K, V], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	storedKeySize := wire.LE.Uint64(mem[offKeySize:])
	storedValSize := wire.LE.Uint64(mem[offValSize:])
	if wantKeySize := uint64(wire.SizeOf[K]()); storedKeySize != wantKeySize {
		return nil, fmt.Errorf("%w: %q stored key size %d, K has size %d", zeroipc.ErrTypeMismatch, name, storedKeySize, wantKeySize)
	}
	if wantValSize := uint64(wire.SizeOf[V]()); storedValSize != wantValSize {
		return nil, fmt.Errorf("%w: %q stored value size %d, V has size %d", zeroipc.ErrTypeMismatch, name, storedValSize, wantValSize)
	}
	capacity := wire.LE.Uint64(mem[offCapacity:])
	slotSize := uintptr(slotHeaderSize) + wire.SizeOf[K]() + wire.SizeOf[V]()
	seed0 := wire.LE.Uint64(mem[offSeed0:])
	seed1 := wire.LE.Uint64(mem[offSeed1:])
	return &Map[K, V]{mem: mem, capacity: capacity, slotSize: slotSize, seed0: seed0, seed1: seed1}, nil
}

// Cap returns the table's fixed slot capacity.
func (m *Map[K, V]) Cap() int { return int(m.capacity) }

// Size returns the current number of occupied slots.
func (m *Map[K, V]) Size() int {
	return int(atomic.LoadUint64(wire.U64(m.mem, offSize)))
}

func (m *Map[K, V]) slot(i uint64) []byte {
	start := headerSize + i*uint64(m.slotSize)
	return m.mem[start : start+uint64(m.slotSize)]
}

func (m *Map[K, V]) statePtr(i uint64) *uint32 {
	start := headerSize + i*uint64(m.slotSize)
	return wire.U32(m.mem, int(start))
}

func (m *Map[K, V]) keyPtr(i uint64) *K {
	start := headerSize + i*uint64(m.slotSize) + uint64(slotHeaderSize)
	return wire.Elem[K](m.mem, int(start))
}

func (m *Map[K, V]) valuePtr(i uint64) *V {
	start := headerSize + i*uint64(m.slotSize) + uint64(slotHeaderSize) + uint64(wire.SizeOf[K]())
	return wire.Elem[V](m.mem, int(start))
}

func keyBytes[K comparable](k *K) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(k)), wire.SizeOf[K]())
}

func (m *Map[K, V]) hash(k K) uint64 {
	return siphash.Hash(m.seed0, m.seed1, keyBytes(&k))
}

// Insert stores v under k, returning true if a new slot was created and
// false if an existing key's value was updated. It fails with ErrFull
// if the table is already at its 0.7 load-factor ceiling, or if no
// empty/tombstone slot is found within a full probe (which the load
// factor ceiling should always prevent in practice).
func (m *Map[K, V]) Insert(k K, v V) (bool, error) {
	mask := m.capacity - 1
	h := m.hash(k)

restart:
	num, den := maxLoadFactorNumDen()
	if atomic.LoadUint64(wire.U64(m.mem, offSize))*den >= m.capacity*num {
		return false, fmt.Errorf("%w: load factor ceiling reached", zeroipc.ErrFull)
	}

	firstTombstone := int64(-1)
	for i := uint64(0); i < m.capacity; i++ {
		pos := (h + i) & mask
		sp := m.statePtr(pos)
		st := atomic.LoadUint32(sp)
		switch st {
		case stateEmpty:
			insertPos := pos
			expect := stateEmpty
			if firstTombstone >= 0 {
				insertPos = uint64(firstTombstone)
				expect = stateTombstone
			}
			if !atomic.CompareAndSwapUint32(m.statePtr(insertPos), expect, stateOccupied) {
				goto restart
			}
			*m.keyPtr(insertPos) = k
			*m.valuePtr(insertPos) = v
			atomic.AddUint64(wire.U64(m.mem, offSize), 1)
			return true, nil
		case stateTombstone:
			if firstTombstone < 0 {
				firstTombstone = int64(pos)
			}
		case stateOccupied:
			if *m.keyPtr(pos) == k {
				*m.valuePtr(pos) = v
				return false, nil
			}
		}
	}
	return false, fmt.Errorf("%w: no free slot found", zeroipc.ErrFull)
}

// Get returns the value stored under k, if any.
func (m *Map[K, V]) Get(k K) (V, bool) {
	var zero V
	mask := m.capacity - 1
	h := m.hash(k)
	for i := uint64(0); i < m.capacity; i++ {
		pos := (h + i) & mask
		st := atomic.LoadUint32(m.statePtr(pos))
		switch st {
		case stateEmpty:
			return zero, false
		case stateOccupied:
			if *m.keyPtr(pos) == k {
				return *m.valuePtr(pos), true
			}
		}
	}
	return zero, false
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// Remove deletes k, if present, returning whether it was found.
func (m *Map[K, V]) Remove(k K) bool {
	mask := m.capacity - 1
	h := m.hash(k)
	for i := uint64(0); i < m.capacity; i++ {
		pos := (h + i) & mask
		sp := m.statePtr(pos)
		st := atomic.LoadUint32(sp)
		switch st {
		case stateEmpty:
			return false
		case stateOccupied:
			if *m.keyPtr(pos) == k {
				if atomic.CompareAndSwapUint32(sp, stateOccupied, stateTombstone) {
					atomic.AddUint64(wire.U64(m.mem, offSize), ^uint64(0))
					return true
				}
				return false
			}
		}
	}
	return false
}

// Clear resets every slot to Empty and the size counter to zero. It is
// not safe to call concurrently with other operations on this table.
func (m *Map[K, V]) Clear() {
	for i := uint64(0); i < m.capacity; i++ {
		atomic.StoreUint32(m.statePtr(i), stateEmpty)
	}
	atomic.StoreUint64(wire.U64(m.mem, offSize), 0)
}
