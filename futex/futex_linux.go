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

//go:build linux

package futex

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/queelius/zeroipc"
)

const (
	opWait = 0
	opWake = 1
)

// Wait blocks while *addr == expected, using a shared (not PRIVATE)
// FUTEX_WAIT, so the kernel keys the wait on the mapped page rather
// than on this process's address space and waiters in different
// processes that map the same segment wake each other. If timeout is
// NoTimeout, Wait blocks indefinitely; otherwise it returns ErrTimedOut
// on expiry.
func Wait(addr *uint32, expected uint32, timeout time.Duration) error {
	a := (*int32)(unsafe.Pointer(addr))
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, err := unix.Futex(a, opWait, int32(expected), ts, nil, 0)
	switch err {
	case nil, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return fmt.Errorf("%w", zeroipc.ErrTimedOut)
	default:
		return fmt.Errorf("%w: futex wait: %s", zeroipc.ErrIO, err)
	}
}

// Wake wakes up to n waiters blocked on addr, returning the number
// actually woken.
func Wake(addr *uint32, n int) (int, error) {
	a := (*int32)(unsafe.Pointer(addr))
	woken, err := unix.Futex(a, opWake, int32(n), nil, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: futex wake: %s", zeroipc.ErrIO, err)
	}
	return woken, nil
}
