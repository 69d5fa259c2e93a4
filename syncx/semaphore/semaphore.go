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

// Package semaphore implements a cross-process counting semaphore with
// futex-backed blocking. See spec §4.7.
//
// The spec's acquire algorithm decrements count first and treats a
// negative result as "go to sleep", which assumes a single atomic word
// doubling as both the count and the futex wait address. Linux futex
// words are 32 bits; this rewrite keeps count as a full signed 64-bit
// counter (so max_count can be large) and adds a 4-byte wake
// generation that acquire/release use purely for the futex address,
// retrying the count CAS after every wake. The externally observable
// behavior — acquire blocks until count > 0, release wakes a waiter,
// try_acquire is a single non-blocking attempt, overflow is rejected —
// is unchanged.
package semaphore

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/futex"
	"github.com/queelius/zeroipc/internal/atomicext"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 32 // count(8), max_count(8), waiters(8), wake_seq(4), pad(4)

const (
	offCount   = 0
	offMax     = 8
	offWaiters = 16
	offWakeSeq = 24
)

// Semaphore is a cross-process counting semaphore.
type Semaphore struct {
	mem []byte
}

// Create bump-allocates a new Semaphore inside tab, starting at
// initial with maxCount as the release ceiling (0 means unbounded).
func Create(tab *directory.Table, name string, initial, maxCount int64) (*Semaphore, error) {
	offset, err := tab.Insert(name, headerSize, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+headerSize]
	atomic.StoreInt64(wire.I64(mem, offCount), initial)
	atomic.StoreInt64(wire.I64(mem, offMax), maxCount)
	atomic.StoreInt64(wire.I64(mem, offWaiters), 0)
	atomic.StoreUint32(wire.U32(mem, offWakeSeq), 0)
	return &Semaphore{mem: mem}, nil
}

// Open attaches to an existing Semaphore named name within tab.
func Open(tab *directory.Table, name string) (*Semaphore, error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	return &Semaphore{mem: tab.Segment().Mem()[e.Offset : e.Offset+e.Size]}, nil
}

func (s *Semaphore) countPtr() *int64   { return wire.I64(s.mem, offCount) }
func (s *Semaphore) maxPtr() *int64     { return wire.I64(s.mem, offMax) }
func (s *Semaphore) waitersPtr() *int64 { return wire.I64(s.mem, offWaiters) }
func (s *Semaphore) wakeSeqPtr() *uint32 { return wire.U32(s.mem, offWakeSeq) }

// Count returns the current permit count (for observability; racy by
// the time the caller observes it).
func (s *Semaphore) Count() int64 { return atomic.LoadInt64(s.countPtr()) }

// Waiters returns the approximate number of blocked acquirers.
func (s *Semaphore) Waiters() int64 { return atomic.LoadInt64(s.waitersPtr()) }

// TryAcquire attempts a single non-blocking decrement, returning false
// if no permit was immediately available.
func (s *Semaphore) TryAcquire() bool {
	for {
		c := atomic.LoadInt64(s.countPtr())
		if c <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(s.countPtr(), c, c-1) {
			return true
		}
		atomicext.Pause()
	}
}

// Acquire blocks until a permit is available.
func (s *Semaphore) Acquire() error {
	return s.AcquireFor(futex.NoTimeout)
}

// AcquireFor blocks until a permit is available or timeout elapses, in
// which case it returns ErrTimedOut. A zero timeout means wait forever.
func (s *Semaphore) AcquireFor(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if s.TryAcquire() {
			return nil
		}
		seq := atomic.LoadUint32(s.wakeSeqPtr())
		remaining := futex.NoTimeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w", zeroipc.ErrTimedOut)
			}
		}
		atomic.AddInt64(s.waitersPtr(), 1)
		err := futex.Wait(s.wakeSeqPtr(), seq, remaining)
		atomic.AddInt64(s.waitersPtr(), -1)
		if err != nil {
			return err
		}
	}
}

// Release increments the permit count and wakes one waiter. It fails
// with ErrOverflow if maxCount > 0 and the count is already at ceiling.
func (s *Semaphore) Release() error {
	for {
		c := atomic.LoadInt64(s.countPtr())
		max := atomic.LoadInt64(s.maxPtr())
		if max > 0 && c >= max {
			return fmt.Errorf("%w", zeroipc.ErrOverflow)
		}
		if atomic.CompareAndSwapInt64(s.countPtr(), c, c+1) {
			break
		}
		atomicext.Pause()
	}
	atomic.AddUint32(s.wakeSeqPtr(), 1)
	_, err := futex.Wake(s.wakeSeqPtr(), 1)
	return err
}
