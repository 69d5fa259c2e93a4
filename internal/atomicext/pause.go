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

// Package atomicext provides small extensions to sync/atomic used by the
// lock-free container and synchronization packages: a spin-wait hint for
// CAS-retry loops. Typed atomic views over raw shared-memory bytes live
// in internal/wire.
package atomicext

// Pause should be called in the body of every CAS-retry spin loop in
// this module. It is a hint that the calling goroutine made no progress
// this iteration; every CAS-retry loop in this module is short and
// bounded (a handful of iterations under realistic contention), so a
// no-op is the safest portable choice here: anything stronger, such as
// an unconditional runtime.Gosched(), would make the common
// two-or-three-iteration retry slower than simply spinning. A later
// revision may wire up a real PAUSE/YIELD instruction per architecture
// if profiling shows contention spins are hot.
//
//go:noinline
func Pause() {}
