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

// Package futex provides address-based blocking wait/wake, the
// primitive every cross-process sync type in syncx and codata is built
// on (spec §5 "Suspension points"). On Linux it is a thin wrapper over
// the futex(2) syscall; elsewhere (no stable public address-wait
// syscall is exposed by golang.org/x/sys outside Linux) it falls back
// to a backoff poll loop with identical semantics but higher CPU use
// under contention.
//
// Wait and Wake both follow "mesa" monitor discipline: a successful
// Wait does not guarantee the precondition still holds, only that the
// caller should re-check it, exactly as spec §4.7 describes for
// Semaphore.
package futex

import "time"

// NoTimeout requests an unbounded wait.
const NoTimeout time.Duration = 0
