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

//go:build !linux

package futex

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/queelius/zeroipc"
)

// Wait polls *addr with exponential backoff, since neither Darwin's
// __ulock_wait nor Windows' WaitOnAddress is exposed as a stable public
// syscall by golang.org/x/sys on these platforms. Correctness is
// identical to the Linux futex path; only idle CPU use differs.
func Wait(addr *uint32, expected uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := time.Microsecond
	const maxBackoff = time.Millisecond
	for atomic.LoadUint32(addr) == expected {
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w", zeroipc.ErrTimedOut)
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return nil
}

// Wake is a no-op on this platform: there is no sleeping kernel queue
// to signal, so waiters discover the change on their next poll.
func Wake(addr *uint32, n int) (int, error) {
	return n, nil
}
