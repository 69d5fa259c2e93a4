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

// Package array implements Array[T], a fixed-length homogeneous slab
// living at a named directory entry. See spec §4.2.
package array

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 16 // capacity(8) + elem_size(8)

// Array is a fixed-length slab of T, bounds-checked but otherwise
// unsynchronized: concurrent plain writes to the same element are a
// caller contract, not something this type enforces (spec §4.2).
//
// Create stores both the element count and sizeof(T) in the header, and
// Open validates the caller's sizeof(T) against the stored value before
// attaching, the same way directory.Open validates Magic/Version: a
// mismatch (e.g. Open[int32] against a table Create[int64] built) fails
// with ErrTypeMismatch instead of silently handing back a mis-sized,
// misaligned slice.
type Array[T any] struct {
	mem  []byte // header + payload
	data []T
}

func elemSize[T any]() uintptr {
	return wire.SizeOf[T]()
}

// Create bump-allocates a new Array[T] of the given capacity inside tab
// and names it name.
func Create[T any](tab *directory.Table, name string, capacity int) (*Array[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", zeroipc.ErrInvalidName, capacity)
	}
	size := headerSize + uint32(capacity)*uint32(elemSize[T]())
	offset, err := tab.Insert(name, size, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+size]
	wire.LE.PutUint64(mem[0:8], uint64(capacity))
	wire.LE.PutUint64(mem[8:16], uint64(elemSize[T]()))
	return newArray[T](mem), nil
}

// Open attaches to an existing Array[T] named name within tab. It fails
// with zeroipc.ErrTypeMismatch if T's size differs from the size stored
// at Create time.
func Open[T any](tab *directory.Table, name string) (*Array[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	stored := wire.LE.Uint64(mem[8:16])
	if want := uint64(elemSize[T]()); stored != want {
		return nil, fmt.Errorf("%w: %q stored element size %d, T has size %d", zeroipc.ErrTypeMismatch, name, stored, want)
	}
	return newArray[T](mem), nil
}

func newArray[T any](mem []byte) *Array[T] {
	capacity := int(wire.LE.Uint64(mem[0:8]))
	var data []T
	if capacity > 0 {
		data = unsafe.Slice((*T)(unsafe.Pointer(&mem[headerSize])), capacity)
	}
	return &Array[T]{mem: mem, data: data}
}

// Len returns the array's fixed capacity.
func (a *Array[T]) Len() int { return len(a.data) }

// Get returns element i.
func (a *Array[T]) Get(i int) (T, error) {
	var zero T
	if i < 0 || i >= len(a.data) {
		return zero, fmt.Errorf("%w: index %d, len %d", zeroipc.ErrOutOfRange, i, len(a.data))
	}
	return a.data[i], nil
}

// Set overwrites element i with v.
func (a *Array[T]) Set(i int, v T) error {
	if i < 0 || i >= len(a.data) {
		return fmt.Errorf("%w: index %d, len %d", zeroipc.ErrOutOfRange, i, len(a.data))
	}
	a.data[i] = v
	return nil
}

// Fill overwrites every element with v. Not synchronized.
func (a *Array[T]) Fill(v T) {
	for i := range a.data {
		a.data[i] = v
	}
}

// Data returns the raw backing slice for iteration or bulk copy. Callers
// must not retain it past the Array's lifetime.
func (a *Array[T]) Data() []T { return a.data }

// atomicSlot returns a pointer to element i for use with sync/atomic,
// valid only when T has the same representation as the integer type
// the caller instantiates the atomic helpers with (see FetchAddInt64 /
// CompareAndSwapInt64 below). Matching T across endpoints is a user
// contract per spec §4.2, not something this package can check.
func (a *Array[T]) atomicSlot(i int) (*T, error) {
	if i < 0 || i >= len(a.data) {
		var zero T
		_ = zero
		return nil, fmt.Errorf("%w: index %d, len %d", zeroipc.ErrOutOfRange, i, len(a.data))
	}
	return &a.data[i], nil
}

// FetchAddInt64 performs an atomic fetch-add on element i, which must be
// instantiated with T=int64.
func FetchAddInt64(a *Array[int64], i int, delta int64) (int64, error) {
	p, err := a.atomicSlot(i)
	if err != nil {
		return 0, err
	}
	return atomic.AddInt64((*int64)(unsafe.Pointer(p)), delta) - delta, nil
}

// CompareAndSwapInt64 performs an atomic CAS on element i, which must be
// instantiated with T=int64.
func CompareAndSwapInt64(a *Array[int64], i int, old, new int64) (bool, error) {
	p, err := a.atomicSlot(i)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapInt64((*int64)(unsafe.Pointer(p)), old, new), nil
}

// FetchAddUint64 performs an atomic fetch-add on element i, which must be
// instantiated with T=uint64.
func FetchAddUint64(a *Array[uint64], i int, delta uint64) (uint64, error) {
	p, err := a.atomicSlot(i)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint64((*uint64)(unsafe.Pointer(p)), delta) - delta, nil
}

// CompareAndSwapUint64 performs an atomic CAS on element i, which must be
// instantiated with T=uint64.
func CompareAndSwapUint64(a *Array[uint64], i int, old, new uint64) (bool, error) {
	p, err := a.atomicSlot(i)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(p)), old, new), nil
}
