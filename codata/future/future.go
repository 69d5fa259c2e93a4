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

// Package future implements Future[T], a single-assignment,
// many-reader cross-process result cell. See spec §4.10.
//
// The state word is widened from the spec's 1-byte atomic to 4 bytes,
// the same adjustment applied throughout this module wherever a
// sub-word atomic is specified (directory's lock bit, hashmap's slot
// state): Go's sync/atomic has no byte-wide CAS, and the narrower
// field buys nothing on hosts where the header is already
// word-aligned.
package future

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/futex"
	"github.com/queelius/zeroipc/internal/wire"
)

// ErrMsgCap bounds the stored error message length.
const ErrMsgCap = 256

const (
	statePending uint32 = 0
	stateReady   uint32 = 1
	stateError   uint32 = 2
)

const (
	offState    = 0
	offErrorLen = 4
	offValue    = 8
)

// Future is a single-assignment, many-reader result cell.
type Future[T any] struct {
	mem      []byte
	valueOff int
	msgOff   int
}

func headerSize[T any]() int {
	return offValue + int(wire.SizeOf[T]()) + ErrMsgCap
}

// Create bump-allocates a new, pending Future[T] named name within tab.
func Create[T any](tab *directory.Table, name string) (*Future[T], error) {
	size := headerSize[T]()
	offset, err := tab.Insert(name, uint32(size), zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+uint32(size)]
	atomic.StoreUint32(wire.U32(mem, offState), statePending)
	valueOff := offValue
	msgOff := valueOff + int(wire.SizeOf[T]())
	return &Future[T]{mem: mem, valueOff: valueOff, msgOff: msgOff}, nil
}

// Open attaches to an existing Future[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Future[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	valueOff := offValue
	msgOff := valueOff + int(wire.SizeOf[T]())
	return &Future[T]{mem: mem, valueOff: valueOff, msgOff: msgOff}, nil
}

func (f *Future[T]) statePtr() *uint32 { return wire.U32(f.mem, offState) }

// SetValue publishes v and wakes all waiters. It returns ErrAlreadyExists
// if the future has already been resolved (either value or error).
func (f *Future[T]) SetValue(v T) error {
	if atomic.LoadUint32(f.statePtr()) != statePending {
		return fmt.Errorf("%w: future already resolved", zeroipc.ErrAlreadyExists)
	}
	*wire.Elem[T](f.mem, f.valueOff) = v
	if !atomic.CompareAndSwapUint32(f.statePtr(), statePending, stateReady) {
		return fmt.Errorf("%w: future already resolved", zeroipc.ErrAlreadyExists)
	}
	futex.Wake(f.statePtr(), int(^uint32(0)>>1))
	return nil
}

// SetError publishes msg as a terminal error and wakes all waiters. It
// returns ErrAlreadyExists if the future has already been resolved.
func (f *Future[T]) SetError(msg string) error {
	if atomic.LoadUint32(f.statePtr()) != statePending {
		return fmt.Errorf("%w: future already resolved", zeroipc.ErrAlreadyExists)
	}
	if len(msg) > ErrMsgCap {
		msg = msg[:ErrMsgCap]
	}
	wire.LE.PutUint32(f.mem[offErrorLen:], uint32(len(msg)))
	copy(f.mem[f.msgOff:f.msgOff+ErrMsgCap], msg)
	if !atomic.CompareAndSwapUint32(f.statePtr(), statePending, stateError) {
		return fmt.Errorf("%w: future already resolved", zeroipc.ErrAlreadyExists)
	}
	futex.Wake(f.statePtr(), int(^uint32(0)>>1))
	return nil
}

func (f *Future[T]) errorMessage() string {
	n := wire.LE.Uint32(f.mem[offErrorLen:])
	if int(n) > ErrMsgCap {
		n = ErrMsgCap
	}
	return string(f.mem[f.msgOff : f.msgOff+int(n)])
}

// TryGet returns the resolved value without blocking. ok is false if
// the future is still pending.
func (f *Future[T]) TryGet() (v T, err error, ok bool) {
	switch atomic.LoadUint32(f.statePtr()) {
	case stateReady:
		return *wire.Elem[T](f.mem, f.valueOff), nil, true
	case stateError:
		var zero T
		return zero, fmt.Errorf("zeroipc: future resolved with error: %s", f.errorMessage()), true
	default:
		var zero T
		return zero, nil, false
	}
}

// Get blocks until the future is resolved and returns its value or error.
func (f *Future[T]) Get() (T, error) {
	return f.GetFor(futex.NoTimeout)
}

// GetFor is Get bounded by timeout; it returns ErrTimedOut on expiry.
func (f *Future[T]) GetFor(timeout time.Duration) (T, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if v, err, ok := f.TryGet(); ok {
			return v, err
		}
		seq := atomic.LoadUint32(f.statePtr())
		if seq != statePending {
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
		if err := futex.Wait(f.statePtr(), seq, remaining); err != nil {
			var zero T
			return zero, err
		}
	}
}
