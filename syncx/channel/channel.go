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

// Package channel implements a bounded, closable CSP-style channel over
// shared memory. See spec §4.8.
//
// A Channel[T] is built from three already-named cross-process
// primitives rather than one monolithic layout: a Queue[T] holding the
// buffered values, a "free" semaphore counting empty slots, and a
// "filled" semaphore counting ready values. Send acquires free, pushes,
// then releases filled; Recv acquires filled, pops, then releases
// free — the same handoff pattern condition variables use to guard a
// ring buffer, just with semaphores instead.
//
// The spec's unbuffered (rendezvous) mode, where a send blocks until a
// receiver is actively waiting, is implemented here as a capacity-1
// buffered channel. That is a real simplification: a value can sit in
// the single slot for an instant after Send returns and before a
// receiver calls Recv, whereas true rendezvous couples the two calls
// directly. Every other observable property (bounded capacity, FIFO
// order, blocking semantics) is preserved, and capacity-1 handoff is
// the conventional softening of "unbuffered" in systems that build
// channels out of counting semaphores rather than a dedicated
// zero-capacity protocol.
//
// Close does not interrupt a blocked Send or Recv instantly; both
// poll their semaphore wait with a bounded timeout and recheck the
// closed flag between attempts. This avoids needing the underlying
// semaphore to support a distinct "wake everyone, permanently" signal
// on top of its counting discipline.
package channel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/container/queue"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/internal/wire"
	"github.com/queelius/zeroipc/syncx/semaphore"
)

const headerSize = 4 // closed(4, atomic)

const offClosed = 0

// closedPollInterval bounds how long a blocked Send/Recv waits before
// rechecking whether the channel has been closed.
const closedPollInterval = 20 * time.Millisecond

// Channel is a bounded, closable FIFO channel of T.
type Channel[T any] struct {
	hdr    []byte
	q      *queue.Queue[T]
	free   *semaphore.Semaphore
	filled *semaphore.Semaphore
}

// Create bump-allocates a new Channel[T] of the given capacity
// (capacity < 1 is treated as 1, i.e. rendezvous mode) and names it
// name within tab. It occupies four directory entries: name itself
// (the closed flag) plus name+"/q", name+"/free", name+"/filled".
func Create[T any](tab *directory.Table, name string, capacity int) (*Channel[T], error) {
	if capacity < 1 {
		capacity = 1
	}
	offset, err := tab.Insert(name, headerSize, zeroipc.AlignFloor)
	if err != nil {
		return nil, err
	}
	hdr := tab.Segment().Mem()[offset : offset+headerSize]
	atomic.StoreUint32(wire.U32(hdr, offClosed), 0)

	q, err := queue.Create[T](tab, name+"/q", capacity+1)
	if err != nil {
		return nil, err
	}
	free, err := semaphore.Create(tab, name+"/free", int64(capacity), int64(capacity))
	if err != nil {
		return nil, err
	}
	filled, err := semaphore.Create(tab, name+"/filled", 0, int64(capacity))
	if err != nil {
		return nil, err
	}
	return &Channel[T]{hdr: hdr, q: q, free: free, filled: filled}, nil
}

// Open attaches to an existing Channel[T] named name within tab.
func Open[T any](tab *directory.Table, name string) (*Channel[T], error) {
	e, ok := tab.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zeroipc.ErrNotFound, name)
	}
	hdr := tab.Segment().Mem()[e.Offset : e.Offset+e.Size]
	q, err := queue.Open[T](tab, name+"/q")
	if err != nil {
		return nil, err
	}
	free, err := semaphore.Open(tab, name+"/free")
	if err != nil {
		return nil, err
	}
	filled, err := semaphore.Open(tab, name+"/filled")
	if err != nil {
		return nil, err
	}
	return &Channel[T]{hdr: hdr, q: q, free: free, filled: filled}, nil
}

func (c *Channel[T]) closedPtr() *uint32 { return wire.U32(c.hdr, offClosed) }

// Closed reports whether Close has been called.
func (c *Channel[T]) Closed() bool {
	return atomic.LoadUint32(c.closedPtr()) != 0
}

// Send blocks until there is room for v or the channel is closed, in
// which case it returns ErrClosed.
func (c *Channel[T]) Send(v T) error {
	return c.SendFor(v, 0)
}

// SendFor is Send bounded by timeout; it returns ErrTimedOut on expiry.
func (c *Channel[T]) SendFor(v T, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if c.Closed() {
			return fmt.Errorf("%w", zeroipc.ErrClosed)
		}
		wait := closedPollInterval
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w", zeroipc.ErrTimedOut)
			}
			if remaining < wait {
				wait = remaining
			}
		}
		err := c.free.AcquireFor(wait)
		if err == nil {
			if c.Closed() {
				c.free.Release()
				return fmt.Errorf("%w", zeroipc.ErrClosed)
			}
			if pushErr := c.q.Push(v); pushErr != nil {
				// free's count guarantees room; a push failure here
				// means another Send raced ahead of us on the same
				// permit, which the semaphore's invariant rules out.
				return fmt.Errorf("zeroipc: channel invariant violated: %w", pushErr)
			}
			c.filled.Release()
			return nil
		}
		if !isTimeout(err) {
			return err
		}
		// AcquireFor timed out; loop around to recheck closed/deadline.
	}
}

// Recv blocks until a value is available. Once Close has been called
// and all buffered values have been drained, Recv returns ErrClosed.
func (c *Channel[T]) Recv() (T, error) {
	return c.RecvFor(0)
}

// RecvFor is Recv bounded by timeout; it returns ErrTimedOut on expiry.
func (c *Channel[T]) RecvFor(timeout time.Duration) (T, error) {
	var zero T
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := closedPollInterval
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return zero, fmt.Errorf("%w", zeroipc.ErrTimedOut)
			}
			if remaining < wait {
				wait = remaining
			}
		}
		err := c.filled.AcquireFor(wait)
		if err == nil {
			v, popErr := c.q.Pop()
			if popErr != nil {
				// Lost the race to another receiver on the same
				// permit; the permit was spent, nothing to return.
				continue
			}
			c.free.Release()
			return v, nil
		}
		if !isTimeout(err) {
			return zero, err
		}
		if c.Closed() {
			if v, popErr := c.q.Pop(); popErr == nil {
				c.free.Release()
				return v, nil
			}
			return zero, fmt.Errorf("%w", zeroipc.ErrClosed)
		}
	}
}

// Close marks the channel closed. Buffered values already present can
// still be drained by Recv; sends and further waits after drain fail
// with ErrClosed.
func (c *Channel[T]) Close() error {
	atomic.StoreUint32(c.closedPtr(), 1)
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, zeroipc.ErrTimedOut)
}

// TryRecv is a single non-blocking receive attempt.
func (c *Channel[T]) TryRecv() (T, bool) {
	var zero T
	if !c.filled.TryAcquire() {
		return zero, false
	}
	v, err := c.q.Pop()
	if err != nil {
		c.filled.Release()
		return zero, false
	}
	c.free.Release()
	return v, true
}

// TrySend is a single non-blocking send attempt.
func (c *Channel[T]) TrySend(v T) bool {
	if !c.free.TryAcquire() {
		return false
	}
	if err := c.q.Push(v); err != nil {
		c.free.Release()
		return false
	}
	c.filled.Release()
	return true
}

// selectPollInterval is the polling granularity Select uses while
// waiting on multiple channels; there is no single futex address to
// wait on across an arbitrary set of channels, so Select spins a
// short sleep between round-robin TryRecv sweeps instead.
const selectPollInterval = time.Millisecond

// Select waits on multiple same-typed channels and returns the value
// and index of the first one ready to receive. Selection is not fair:
// ties are broken by argument order. A zero timeout waits forever; if
// every channel is closed and empty, Select returns ErrClosed.
func Select[T any](timeout time.Duration, chans ...*Channel[T]) (T, int, error) {
	var zero T
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		for i, ch := range chans {
			if v, ok := ch.TryRecv(); ok {
				return v, i, nil
			}
		}
		allClosed := true
		for _, ch := range chans {
			if !ch.Closed() {
				allClosed = false
				break
			}
		}
		if allClosed {
			return zero, -1, fmt.Errorf("%w", zeroipc.ErrClosed)
		}
		if timeout > 0 && time.Now().After(deadline) {
			return zero, -1, fmt.Errorf("%w", zeroipc.ErrTimedOut)
		}
		time.Sleep(selectPollInterval)
	}
}
