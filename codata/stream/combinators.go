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

package stream

import (
	"errors"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/heap"
)

// pollInterval bounds how long a combinator worker sleeps after
// draining a source stream, before checking for new entries again.
const pollInterval = time.Millisecond

// pump drives a worker goroutine that reads src from cursor 0 forward
// and calls step for every value, stopping when src closes (and step
// has seen every value up to its final WriteSeq). If the worker lags,
// it resumes from the oldest cursor Next still offers; the overwritten
// values are skipped.
func pump[T any](src *Stream[T], step func(T)) {
	var cursor uint64
	for {
		v, next, err := src.Next(cursor)
		switch {
		case err == nil:
			step(v)
			cursor = next
		case errors.Is(err, zeroipc.ErrEmpty):
			time.Sleep(pollInterval)
		case errors.Is(err, ErrLagged):
			cursor = next
		default: // ErrClosed
			return
		}
	}
}

// Map creates a new named stream that emits f(v) for every v emitted
// on src, via a process-local worker goroutine. The derived stream is
// shared; the worker reading src is not.
func Map[T, U any](tab *directory.Table, src *Stream[T], name string, capacity int, f func(T) U) (*Stream[U], error) {
	dst, err := Create[U](tab, name, capacity)
	if err != nil {
		return nil, err
	}
	go func() {
		pump(src, func(v T) { dst.Emit(f(v)) })
		dst.Close()
	}()
	return dst, nil
}

// Filter creates a new named stream that emits only the values of src
// for which keep returns true.
func Filter[T any](tab *directory.Table, src *Stream[T], name string, capacity int, keep func(T) bool) (*Stream[T], error) {
	dst, err := Create[T](tab, name, capacity)
	if err != nil {
		return nil, err
	}
	go func() {
		pump(src, func(v T) {
			if keep(v) {
				dst.Emit(v)
			}
		})
		dst.Close()
	}()
	return dst, nil
}

// Fold creates a new named stream that emits the running accumulation
// fold(acc, v) for every v emitted on src, starting from init. The
// derived stream carries one entry per input entry (the accumulator's
// value after each step), not just the final result.
func Fold[T, A any](tab *directory.Table, src *Stream[T], name string, capacity int, init A, fold func(A, T) A) (*Stream[A], error) {
	dst, err := Create[A](tab, name, capacity)
	if err != nil {
		return nil, err
	}
	go func() {
		acc := init
		pump(src, func(v T) {
			acc = fold(acc, v)
			dst.Emit(acc)
		})
		dst.Close()
	}()
	return dst, nil
}

// Window creates a new named stream that emits, for every value of
// src, the slice of the last n values observed so far (fewer at the
// start), oldest first. The buffer's eviction order is maintained with
// heap rather than a hand-rolled ring, since "oldest of n" is exactly
// a min-heap over arrival order.
//
// Unlike Map/Filter/Fold, a Window's payload is a Go slice: only its
// header (pointer, length, capacity) is stored in the shared segment,
// so the window contents are only valid for readers in the process
// that ran the worker. Cross-process readers should use Map/Fold over
// fixed-size array types instead.
func Window[T any](tab *directory.Table, src *Stream[T], name string, capacity int, n int) (*Stream[[]T], error) {
	if n < 1 {
		n = 1
	}
	dst, err := Create[[]T](tab, name, capacity)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]T, 0, n)
		type indexed struct {
			order int
			value T
		}
		seen := 0
		ring := make([]indexed, 0, n)
		less := func(a, b indexed) bool { return a.order < b.order }
		pump(src, func(v T) {
			ring = append(ring, indexed{order: seen, value: v})
			seen++
			heap.OrderSlice(ring, less)
			if len(ring) > n {
				heap.PopSlice(&ring, less)
			}
			base := seen - len(ring)
			buf = buf[:len(ring)]
			for _, it := range ring {
				buf[it.order-base] = it.value
			}
			snapshot := make([]T, len(buf))
			copy(snapshot, buf)
			dst.Emit(snapshot)
		})
		dst.Close()
	}()
	return dst, nil
}
