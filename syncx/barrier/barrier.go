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

// Package barrier implements a reusable cyclic barrier. See spec §4.8.
package barrier

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/futex"
	"github.com/queelius/zeroipc/internal/wire"
)

const headerSize = 24 // n_participants(8), arrived(8), generation(8)

const (
	offN         = 0
	offArrived   = 8
	offGeneration = 16
)

// Barrier synchronizes a fixed number of participants at a rendezvous
// point, then resets for reuse.
type Barrier struct {
	mem []byte
	n   uint64
}

// Create bump-allocates a new Barrier for n participants.
func Create(tab *directory.Table, name string, n uint64) (*Barrier, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: barrier needs at least 1 participant", zeroipc.ErrInvalidName)
	}
	offset, err := tab.Insert(name, headerSize, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	mem := tab.Segment().Mem()[offset : offset+headerSize]
	wire.LE.PutUint64(mem[offN:], n)
	atomic.StoreUint64(wire.U64(mem, offArrived), 0)
	atomic.StoreUint64(wire.U64(mem, offGeneration), 0)
	return &Barrier{mem: mem, n: n}, nil
}

// Open attaches to an existing Barrier named name within tab.
func Open(tab *directory.Table, name string) (*Barrier, error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	mem := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	n := wire.LE.Uint64(mem[offN:])
	return &Barrier{mem: mem, n: n}, nil
}

// N returns the number of participants.
func (b *Barrier) N() uint64 { return b.n }

// Generation returns the number of completed rendezvous.
func (b *Barrier) Generation() uint64 {
	return atomic.LoadUint64(wire.U64(b.mem, offGeneration))
}

func (b *Barrier) genWord32() *uint32 {
	// aliases the low 32 bits of the 8-byte generation counter; sound
	// on the little-endian hosts this module targets (see internal/wire).
	return wire.U32(b.mem, offGeneration)
}

// Wait blocks until all N participants have called Wait, then returns
// for everyone at (approximately) the same time. The barrier is
// immediately reusable.
func (b *Barrier) Wait() error {
	return b.WaitFor(futex.NoTimeout)
}

// WaitFor is Wait with a bound; it returns ErrTimedOut on expiry.
func (b *Barrier) WaitFor(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	genBefore := atomic.LoadUint64(wire.U64(b.mem, offGeneration))
	arrived := atomic.AddUint64(wire.U64(b.mem, offArrived), 1)
	if arrived == b.n {
		atomic.StoreUint64(wire.U64(b.mem, offArrived), 0)
		atomic.AddUint64(wire.U64(b.mem, offGeneration), 1)
		futex.Wake(b.genWord32(), int(b.n))
		return nil
	}
	for atomic.LoadUint64(wire.U64(b.mem, offGeneration)) == genBefore {
		seq := atomic.LoadUint32(b.genWord32())
		remaining := futex.NoTimeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w", zeroipc.ErrTimedOut)
			}
		}
		if err := futex.Wait(b.genWord32(), seq, remaining); err != nil {
			return err
		}
	}
	return nil
}
