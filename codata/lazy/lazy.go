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

// Package lazy implements Lazy[T], a cross-process memoized value
// computed at most once. See spec §4.11.
//
// The computation is a Go closure and cannot live in shared memory;
// only the resulting value crosses the process boundary. Every caller
// of Force passes its own (process-local) copy of the computation. The
// first caller across all processes to win the Pending→Computing CAS
// runs its closure and publishes the result; every other caller,
// including ones in the same process racing concurrently, discards its
// closure unused and reads the winner's value instead.
package lazy

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/futex"
	"github.com/queelius/zeroipc/internal/wire"
)

const (
	statePending   uint32 = 0
	stateComputing uint32 = 1
	stateComputed  uint32 = 2
)

const (
	offState        = 0
	offComputeCount = 4
	offValue        = 8
)

// Lazy is a cross-process, compute-once memoized value.
type Lazy[T any] struct {
	mem      []byte
	valueOff int
}

// Create bump-allocates a new, unforced Lazy[T] named name within tab.
func Create[T any](tab *directory.Table, name string) (*Lazy[T], error) {
	size := offValue + int(wire.SizeOf[T]())
	offset, err := tab.Insert(name, uint32(size), zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+uint32(size)]
	atomic.StoreUint32(wire.U32(mem, offState), statePending)
	atomic.StoreUint32(wire.U32(mem, offComputeCount), 0)
	return &Lazy[T]{mem: mem, valueOff: offValue}, nil
}

// Open attaches to an existing Lazy[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Lazy[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	return &Lazy[T]{mem: mem, valueOff: offValue}, nil
}

func (l *Lazy[T]) statePtr() *uint32 { return wire.U32(l.mem, offState) }

// ComputeCount returns how many times this process (or any process
// racing the CAS) actually ran the computation function to completion
// and won; it is always 0 or 1.
func (l *Lazy[T]) ComputeCount() uint32 {
	return atomic.LoadUint32(wire.U32(l.mem, offComputeCount))
}

// Peek returns the computed value without forcing computation. ok is
// false if the value has not been computed yet.
func (l *Lazy[T]) Peek() (v T, ok bool) {
	if atomic.LoadUint32(l.statePtr()) == stateComputed {
		return *wire.Elem[T](l.mem, l.valueOff), true
	}
	var zero T
	return zero, false
}

// Force returns the memoized value, computing it with compute if no
// process has done so yet. Exactly one caller across all processes
// racing Force invokes compute; every other caller blocks until that
// result is published and returns it instead of running its own copy.
func (l *Lazy[T]) Force(compute func() T) T {
	v, _ := l.ForceFor(compute, futex.NoTimeout)
	return v
}

// ForceFor is Force bounded by timeout for callers that only need to
// wait on someone else's in-flight computation; it returns ErrTimedOut
// if the value is still not ready when the bound elapses. A caller
// that itself wins the Pending→Computing race always computes and
// returns immediately regardless of timeout.
func (l *Lazy[T]) ForceFor(compute func() T, timeout time.Duration) (T, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if v, ok := l.Peek(); ok {
			return v, nil
		}
		if atomic.CompareAndSwapUint32(l.statePtr(), statePending, stateComputing) {
			v := compute()
			*wire.Elem[T](l.mem, l.valueOff) = v
			atomic.AddUint32(wire.U32(l.mem, offComputeCount), 1)
			atomic.StoreUint32(l.statePtr(), stateComputed)
			futex.Wake(l.statePtr(), int(^uint32(0)>>1))
			return v, nil
		}
		seq := atomic.LoadUint32(l.statePtr())
		if seq == stateComputed {
			continue
		}
		remaining := futex.NoTimeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				var zero T
				return zero, fmt.Errorf("%w", zeroipc.ErrTimedOut)
			}
		}
		if err := futex.Wait(l.statePtr(), seq, remaining); err != nil {
			var zero T
			return zero, err
		}
	}
}
