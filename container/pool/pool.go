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

// Package pool implements Pool[T], a lock-free Treiber-style free-list
// allocator handing out index handles rather than pointers, so the
// handle is portable across processes. See spec §4.6.
package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/atomicext"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 16 // capacity(8), free_head packed{tag(4), idx(4)} (8)

const (
	offCapacity = 0
	offFreeHead = 8
)

// sentinelIdx marks "no free slot" in the packed free_head word.
const sentinelIdx = uint32(0xFFFFFFFF)

func pack(tag, idx uint32) uint64 { return uint64(tag)<<32 | uint64(idx) }
func unpack(v uint64) (tag, idx uint32) {
	return uint32(v >> 32), uint32(v)
}

const slotHeaderSize = 4 // next(4)

// Pool is a fixed-capacity free-list allocator of T.
type Pool[T any] struct {
	mem      []byte
	capacity uint32
	slotSize uintptr
}

// Create bump-allocates a new Pool[T] with room for capacity elements,
// all initially free, and names it name within tab.
func Create[T any](tab *directory.Table, name string, capacity int) (*Pool[T], error) {
	if capacity <= 0 || capacity >= int(sentinelIdx) {
		return nil, fmt.Errorf("%w: pool capacity %d out of range", zeroipc.ErrInvalidName, capacity)
	}
	slotSize := uintptr(slotHeaderSize) + wire.SizeOf[T]()
	size := uint32(headerSize) + uint32(capacity)*uint32(slotSize)
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[offCapacity:], uint64(capacity))
	p := &Pool[T]{mem: mem, capacity: uint32(capacity), slotSize: slotSize}
	for i := uint32(0); i < uint32(capacity); i++ {
		next := i + 1
		if i == uint32(capacity)-1 {
			next = sentinelIdx
		}
		atomic.StoreUint32(p.nextPtr(i), next)
	}
	atomic.StoreUint64(wire.U64(mem, offFreeHead), pack(0, 0))
	return p, nil
}

// Open attaches to an existing Pool[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Pool[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	capacity := uint32(wire.LE.Uint64(mem[offCapacity:]))
	slotSize := uintptr(slotHeaderSize) + wire.SizeOf[T]()
	return &Pool[T]{mem: mem, capacity: capacity, slotSize: slotSize}, nil
}

// Cap returns the pool's fixed capacity.
func (p *Pool[T]) Cap() int { return int(p.capacity) }

func (p *Pool[T]) nextPtr(i uint32) *uint32 {
	start := headerSize + uint64(i)*uint64(p.slotSize)
	return wire.U32(p.mem, int(start))
}

func (p *Pool[T]) valuePtr(i uint32) *T {
	start := headerSize + uint64(i)*uint64(p.slotSize) + slotHeaderSize
	return wire.Elem[T](p.mem, int(start))
}

// Alloc pops a free index off the list, returning ErrEmpty if the pool
// is exhausted.
func (p *Pool[T]) Alloc() (uint32, error) {
	headPtr := wire.U64(p.mem, offFreeHead)
	for {
		old := atomic.LoadUint64(headPtr)
		tag, idx := unpack(old)
		if idx == sentinelIdx {
			return 0, fmt.Errorf("%w", zeroipc.ErrEmpty)
		}
		nextIdx := atomic.LoadUint32(p.nextPtr(idx))
		if atomic.CompareAndSwapUint64(headPtr, old, pack(tag+1, nextIdx)) {
			return idx, nil
		}
		atomicext.Pause()
	}
}

// Free returns idx to the free list. idx must have come from a prior
// Alloc on this pool and must not be freed twice without an intervening
// Alloc (double-free is a caller contract violation, per spec §4.6's
// silence on reuse safety — this package does not detect it).
func (p *Pool[T]) Free(idx uint32) error {
	if idx >= p.capacity {
		return fmt.Errorf("%w: index %d, capacity %d", zeroipc.ErrOutOfRange, idx, p.capacity)
	}
	headPtr := wire.U64(p.mem, offFreeHead)
	for {
		old := atomic.LoadUint64(headPtr)
		tag, curIdx := unpack(old)
		atomic.StoreUint32(p.nextPtr(idx), curIdx)
		if atomic.CompareAndSwapUint64(headPtr, old, pack(tag+1, idx)) {
			return nil
		}
		atomicext.Pause()
	}
}

// Get returns the value stored at idx. The caller is responsible for
// only reading indices it currently owns (returned by Alloc, not yet
// Free'd).
func (p *Pool[T]) Get(idx uint32) (T, error) {
	var zero T
	if idx >= p.capacity {
		return zero, fmt.Errorf("%w: index %d, capacity %d", zeroipc.ErrOutOfRange, idx, p.capacity)
	}
	return *p.valuePtr(idx), nil
}

// Set overwrites the value stored at idx.
func (p *Pool[T]) Set(idx uint32, v T) error {
	if idx >= p.capacity {
		return fmt.Errorf("%w: index %d, capacity %d", zeroipc.ErrOutOfRange, idx, p.capacity)
	}
	*p.valuePtr(idx) = v
	return nil
}
