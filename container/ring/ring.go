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

// Package ring implements Ring[T], a single-producer/single-consumer
// streaming ring with bulk-transfer reads and writes. See spec §4.6.
//
// Ring is SPSC only: it is safe for exactly one writer and one reader,
// each in any process attached to the segment, concurrently with each
// other but not with a second writer or reader.
package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 24 // capacity(8), write_pos(8), read_pos(8)

const (
	offCapacity = 0
	offWritePos = 8
	offReadPos  = 16
)

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

// Ring is a fixed-capacity SPSC ring buffer of T.
type Ring[T any] struct {
	mem      []byte
	capacity uint64
	data     []T
}

// Create bump-allocates a new Ring[T] with room for at least
// requestedCapacity elements, rounded up to a power of two.
func Create[T any](tab *directory.Table, name string, requestedCapacity int) (*Ring[T], error) {
	capacity := nextPow2(requestedCapacity)
	size := uint32(headerSize) + uint32(capacity)*uint32(wire.SizeOf[T]())
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[offCapacity:], capacity)
	atomic.StoreUint64(wire.U64(mem, offWritePos), 0)
	atomic.StoreUint64(wire.U64(mem, offReadPos), 0)
	return newRing[T](mem, capacity), nil
}

// Open attaches to an existing Ring[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Ring[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	capacity := wire.LE.Uint64(mem[offCapacity:])
	return newRing[T](mem, capacity), nil
}

func newRing[T any](mem []byte, capacity uint64) *Ring[T] {
	data := wire.SliceOf[T](mem, headerSize, int(capacity))
	return &Ring[T]{mem: mem, capacity: capacity, data: data}
}

// Cap returns the ring's fixed element capacity.
func (r *Ring[T]) Cap() int { return int(r.capacity) }

// Len returns the number of unread elements currently buffered.
func (r *Ring[T]) Len() int {
	w := atomic.LoadUint64(wire.U64(r.mem, offWritePos))
	rd := atomic.LoadUint64(wire.U64(r.mem, offReadPos))
	return int(w - rd)
}

// WriteBulk copies as many of items as fit into the free space,
// returning the count written. It returns ErrFull only when zero
// elements could be written and items was non-empty.
func (r *Ring[T]) WriteBulk(items []T) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	wposPtr := wire.U64(r.mem, offWritePos)
	w := atomic.LoadUint64(wposPtr)
	rd := atomic.LoadUint64(wire.U64(r.mem, offReadPos))
	free := r.capacity - (w - rd)
	n := uint64(len(items))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0, fmt.Errorf("%w", zeroipc.ErrFull)
	}
	mask := r.capacity - 1
	for i := uint64(0); i < n; i++ {
		r.data[(w+i)&mask] = items[i]
	}
	atomic.StoreUint64(wposPtr, w+n)
	return int(n), nil
}

// ReadBulk copies as many buffered elements as fit into out, returning
// the count read. It returns ErrEmpty only when zero elements were
// available and out was non-empty.
func (r *Ring[T]) ReadBulk(out []T) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	rposPtr := wire.U64(r.mem, offReadPos)
	rd := atomic.LoadUint64(rposPtr)
	w := atomic.LoadUint64(wire.U64(r.mem, offWritePos))
	avail := w - rd
	n := uint64(len(out))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0, fmt.Errorf("%w", zeroipc.ErrEmpty)
	}
	mask := r.capacity - 1
	for i := uint64(0); i < n; i++ {
		out[i] = r.data[(rd+i)&mask]
	}
	atomic.StoreUint64(rposPtr, rd+n)
	return int(n), nil
}
