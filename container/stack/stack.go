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

// Package stack implements Stack[T], a bounded multi-producer
// multi-consumer LIFO over an index-top. See spec §4.4.
//
// top is never tagged: because the payload slot only becomes readable
// after the CAS that claims it succeeds, ABA on top is benign (any
// interleaving that restores top to the same value also restores a
// valid element underneath it). Each slot still carries a published
// sequence number, the same closing move package queue uses, so a
// popper that has claimed index i never reads bytes the pusher
// reserved but has not yet written.
package stack

import (
	"fmt"
	"sync/atomic"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/atomicext"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 16 // capacity(8), top(8 signed)

const (
	offCapacity = 0
	offTop      = 8
)

// Stack is a bounded MPMC LIFO.
type Stack[T any] struct {
	mem      []byte
	capacity int64
	slotSize uintptr
}

// Create bump-allocates a new Stack[T] with room for capacity elements.
func Create[T any](tab *directory.Table, name string, capacity int) (*Stack[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: stack capacity must be > 0", zeroipc.ErrInvalidName)
	}
	slotSize := 8 + wire.SizeOf[T]()
	size := uint32(headerSize) + uint32(capacity)*uint32(slotSize)
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[offCapacity:], uint64(capacity))
	atomic.StoreInt64(wire.I64(mem, offTop), -1)
	return &Stack[T]{mem: mem, capacity: int64(capacity), slotSize: slotSize}, nil
}

// Open attaches to an existing Stack[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Stack[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	capacity := int64(wire.LE.Uint64(mem[offCapacity:]))
	slotSize := 8 + wire.SizeOf[T]()
	return &Stack[T]{mem: mem, capacity: capacity, slotSize: slotSize}, nil
}

// Cap returns the stack's fixed capacity.
func (s *Stack[T]) Cap() int { return int(s.capacity) }

func (s *Stack[T]) slotSeq(i int64) *uint64 {
	start := headerSize + i*int64(s.slotSize)
	return wire.U64(s.mem, int(start))
}

func (s *Stack[T]) slotValue(i int64) *T {
	start := headerSize + i*int64(s.slotSize) + 8
	return wire.Elem[T](s.mem, int(start))
}

// Push places v on top of the stack, returning ErrFull once Cap()
// elements are already present.
func (s *Stack[T]) Push(v T) error {
	topPtr := wire.I64(s.mem, offTop)
	for {
		t := atomic.LoadInt64(topPtr)
		if t+1 >= s.capacity {
			return fmt.Errorf("%w", zeroipc.ErrFull)
		}
		if atomic.CompareAndSwapInt64(topPtr, t, t+1) {
			*s.slotValue(t + 1) = v
			atomic.StoreUint64(s.slotSeq(t+1), uint64(t+2))
			return nil
		}
		atomicext.Pause()
	}
}

// Pop removes and returns the top element, returning ErrEmpty if the
// stack is empty.
func (s *Stack[T]) Pop() (T, error) {
	var zero T
	topPtr := wire.I64(s.mem, offTop)
	for {
		t := atomic.LoadInt64(topPtr)
		if t < 0 {
			return zero, fmt.Errorf("%w", zeroipc.ErrEmpty)
		}
		if atomic.CompareAndSwapInt64(topPtr, t, t-1) {
			for atomic.LoadUint64(s.slotSeq(t)) != uint64(t+1) {
				atomicext.Pause()
			}
			return *s.slotValue(t), nil
		}
		atomicext.Pause()
	}
}
