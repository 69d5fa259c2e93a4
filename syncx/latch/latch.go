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

// Package latch implements a one-shot countdown latch. See spec §4.8.
package latch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/futex"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 16 // initial_count(8), count(8 atomic)

const (
	offInitial = 0
	offCount   = 8
)

// Latch counts down from an initial value to zero exactly once; it
// does not reset.
type Latch struct {
	mem []byte
}

// Create bump-allocates a new Latch starting at initial.
func Create(tab *directory.Table, name string, initial uint64) (*Latch, error) {
	offset, err := tab.Insert(name, headerSize, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+headerSize]
	wire.LE.PutUint64(mem[offInitial:], initial)
	atomic.StoreUint64(wire.U64(mem, offCount), initial)
	return &Latch{mem: mem}, nil
}

// Open attaches to an existing Latch named name within tab.
func Open(tab *directory.Table, name string) (*Latch, error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	return &Latch{mem: tab.Segment().Mem()[e.Offset : e.Offset+e.Size]}, nil
}

// InitialCount returns the latch's starting value.
func (l *Latch) InitialCount() uint64 {
	return wire.LE.Uint64(l.mem[offInitial:])
}

// Count returns the current remaining count.
func (l *Latch) Count() uint64 {
	return atomic.LoadUint64(wire.U64(l.mem, offCount))
}

func (l *Latch) countWord32() *uint32 { return wire.U32(l.mem, offCount) }

// CountDown decrements the latch by k, saturating at zero, and wakes
// all waiters if it reaches zero.
func (l *Latch) CountDown(k uint64) {
	countPtr := wire.U64(l.mem, offCount)
	for {
		c := atomic.LoadUint64(countPtr)
		var next uint64
		if k >= c {
			next = 0
		} else {
			next = c - k
		}
		if atomic.CompareAndSwapUint64(countPtr, c, next) {
			if next == 0 && c != 0 {
				futex.Wake(l.countWord32(), int(^uint32(0)>>1))
			}
			return
		}
	}
}

// Wait blocks while Count() > 0. If the latch is already at zero, Wait
// returns immediately.
func (l *Latch) Wait() error {
	return l.WaitFor(futex.NoTimeout)
}

// WaitFor is Wait with a bound; it returns ErrTimedOut on expiry.
func (l *Latch) WaitFor(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if atomic.LoadUint64(wire.U64(l.mem, offCount)) == 0 {
			return nil
		}
		seq := atomic.LoadUint32(l.countWord32())
		remaining := futex.NoTimeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w", zeroipc.ErrTimedOut)
			}
		}
		if err := futex.Wait(l.countWord32(), seq, remaining); err != nil {
			return err
		}
	}
}
