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

// Package stream implements Stream[T], an append-only, multi-cast
// shared-memory log with independent reader cursors. See spec §4.12.
//
// Emit overwrites the oldest slot once the ring wraps, so a reader
// that falls more than Cap() entries behind the writer has lost data;
// Next reports this as ErrLagged with the cursor advanced to the
// oldest slot still available, mirroring the spec's Lagged(new_cursor)
// result. Cursors live in the caller, never in shared memory, so each
// reader proceeds independently and at its own pace.
package stream

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/atomicext"
	"github.com/queelius/zeroipc/internal/wire"
)

// ErrLagged is returned by Next when the reader's cursor has fallen
// behind the writer far enough that the requested slot was overwritten.
var ErrLagged = errors.New("zeroipc: stream reader lagged")

const headerSize = 24 // capacity(8), write_seq(8 atomic), closed(8 atomic)

const (
	offCapacity = 0
	offWriteSeq = 8
	offClosed   = 16
)

// Stream is an append-only multicast log of T with a fixed-size ring
// buffer; slow readers observe ErrLagged rather than blocking writers.
type Stream[T any] struct {
	mem      []byte
	capacity uint64
	slotSize uintptr
}

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

// Create bump-allocates a new Stream[T] with a ring window of at least
// capacity entries (rounded up to a power of two) and names it name
// within tab.
func Create[T any](tab *directory.Table, name string, capacity int) (*Stream[T], error) {
	cap2 := nextPow2(capacity)
	slotSize := 8 + wire.SizeOf[T]() // published sequence(8) + value
	size := uint32(headerSize) + uint32(cap2)*uint32(slotSize)
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[offCapacity:], cap2)
	atomic.StoreUint64(wire.U64(mem, offWriteSeq), 0)
	atomic.StoreUint64(wire.U64(mem, offClosed), 0)
	s := &Stream[T]{mem: mem, capacity: cap2, slotSize: slotSize}
	for i := uint64(0); i < cap2; i++ {
		atomic.StoreUint64(s.slotSeq(i), ^uint64(0))
	}
	return s, nil
}

// Open attaches to an existing Stream[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Stream[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	cap2 := wire.LE.Uint64(mem[offCapacity:])
	slotSize := 8 + wire.SizeOf[T]()
	return &Stream[T]{mem: mem, capacity: cap2, slotSize: slotSize}, nil
}

// Cap returns the ring window size.
func (s *Stream[T]) Cap() int { return int(s.capacity) }

func (s *Stream[T]) slotSeq(i uint64) *uint64 {
	start := headerSize + i*uint64(s.slotSize)
	return wire.U64(s.mem, int(start))
}

func (s *Stream[T]) slotValue(i uint64) *T {
	start := headerSize + i*uint64(s.slotSize) + 8
	return wire.Elem[T](s.mem, int(start))
}

// WriteSeq returns the number of values ever emitted.
func (s *Stream[T]) WriteSeq() uint64 {
	return atomic.LoadUint64(wire.U64(s.mem, offWriteSeq))
}

// Closed reports whether Close has been called.
func (s *Stream[T]) Closed() bool {
	return atomic.LoadUint64(wire.U64(s.mem, offClosed)) != 0
}

// Emit appends v to the stream, overwriting the oldest entry once the
// ring has wrapped. It returns ErrClosed if the stream has been closed.
func (s *Stream[T]) Emit(v T) error {
	if s.Closed() {
		return fmt.Errorf("%w", zeroipc.ErrClosed)
	}
	seq := atomic.AddUint64(wire.U64(s.mem, offWriteSeq), 1) - 1
	idx := seq % s.capacity
	*s.slotValue(idx) = v
	atomic.StoreUint64(s.slotSeq(idx), seq)
	return nil
}

// Close marks the stream closed; no further Emit calls succeed, and
// readers caught up to WriteSeq see end-of-stream.
func (s *Stream[T]) Close() error {
	atomic.StoreUint64(wire.U64(s.mem, offClosed), 1)
	return nil
}

// Next reads the entry at cursor. If cursor has not been emitted yet
// and the stream is open, it returns ErrEmpty (no data, not an error
// condition); if the stream is closed and cursor has caught up to
// WriteSeq, it returns ErrClosed; if the slot at cursor has already
// been overwritten, it returns ErrLagged along with the oldest cursor
// still readable.
func (s *Stream[T]) Next(cursor uint64) (v T, newCursor uint64, err error) {
	for {
		write := atomic.LoadUint64(wire.U64(s.mem, offWriteSeq))
		if cursor >= write {
			if s.Closed() {
				var zero T
				return zero, cursor, fmt.Errorf("%w", zeroipc.ErrClosed)
			}
			var zero T
			return zero, cursor, fmt.Errorf("%w", zeroipc.ErrEmpty)
		}
		idx := cursor % s.capacity
		published := atomic.LoadUint64(s.slotSeq(idx))
		if published == cursor {
			return *s.slotValue(idx), cursor + 1, nil
		}
		if (published != ^uint64(0) && published > cursor) || write >= cursor+s.capacity {
			oldest := uint64(0)
			if write > s.capacity {
				oldest = write - s.capacity
			}
			var zero T
			return zero, oldest, fmt.Errorf("%w", ErrLagged)
		}
		atomicext.Pause()
	}
}
