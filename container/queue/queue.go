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

// Package queue implements Queue[T], a bounded multi-producer
// multi-consumer ring buffer. See spec §4.3.
//
// This is the RECOMMENDED variant, not the minimal one: every slot
// carries its own published sequence number, so a consumer that has
// claimed a slot index never observes bytes the producer has reserved
// but not yet written, no matter how large T is.
package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/atomicext"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 24 // capacity(8), head(8), tail(8)

const (
	offCapacity = 0
	offHead     = 8
	offTail     = 16
)

// Queue is a bounded MPMC ring. Usable capacity is capacity-1 (one slot
// is always kept empty to distinguish full from empty).
type Queue[T any] struct {
	mem      []byte
	capacity uint64
	slotSize uintptr
}

// Create bump-allocates a new Queue[T] with room for capacity slots
// (usable capacity is capacity-1) and names it name within tab.
func Create[T any](tab *directory.Table, name string, capacity int) (*Queue[T], error) {
	if capacity < 2 {
		return nil, fmt.Errorf("%w: queue capacity must be >= 2", zeroipc.ErrInvalidName)
	}
	slotSize := 8 + wire.SizeOf[T]()
	size := uint32(headerSize) + uint32(capacity)*uint32(slotSize)
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[offCapacity:], uint64(capacity))
	atomic.StoreUint64(wire.U64(mem, offHead), 0)
	atomic.StoreUint64(wire.U64(mem, offTail), 0)
	return &Queue[T]{mem: mem, capacity: uint64(capacity), slotSize: slotSize}, nil
}

// Open attaches to an existing Queue[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Queue[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	capacity := wire.LE.Uint64(mem[offCapacity:])
	slotSize := 8 + wire.SizeOf[T]()
	return &Queue[T]{mem: mem, capacity: capacity, slotSize: slotSize}, nil
}

// Cap returns the raw slot count; usable capacity is Cap()-1.
func (q *Queue[T]) Cap() int { return int(q.capacity) }

func (q *Queue[T]) slotSeq(i uint64) *uint64 {
	start := headerSize + i*uint64(q.slotSize)
	return wire.U64(q.mem, int(start))
}

func (q *Queue[T]) slotValue(i uint64) *T {
	start := headerSize + i*uint64(q.slotSize) + 8
	return wire.Elem[T](q.mem, int(start))
}

// Push enqueues v, returning ErrFull if the queue has no free slot.
func (q *Queue[T]) Push(v T) error {
	headPtr := wire.U64(q.mem, offHead)
	tailPtr := wire.U64(q.mem, offTail)
	for {
		tail := atomic.LoadUint64(tailPtr)
		next := (tail + 1) % q.capacity
		head := atomic.LoadUint64(headPtr)
		if next == head {
			return fmt.Errorf("%w", zeroipc.ErrFull)
		}
		if atomic.CompareAndSwapUint64(tailPtr, tail, next) {
			*q.slotValue(tail) = v
			atomic.StoreUint64(q.slotSeq(tail), tail+1)
			return nil
		}
		atomicext.Pause()
	}
}

// Pop dequeues the oldest element, returning ErrEmpty if none is available.
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	headPtr := wire.U64(q.mem, offHead)
	tailPtr := wire.U64(q.mem, offTail)
	for {
		head := atomic.LoadUint64(headPtr)
		tail := atomic.LoadUint64(tailPtr)
		if head == tail {
			return zero, fmt.Errorf("%w", zeroipc.ErrEmpty)
		}
		next := (head + 1) % q.capacity
		if atomic.CompareAndSwapUint64(headPtr, head, next) {
			for atomic.LoadUint64(q.slotSeq(head)) != head+1 {
				atomicext.Pause()
			}
			return *q.slotValue(head), nil
		}
		atomicext.Pause()
	}
}
