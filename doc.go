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

// Package zeroipc is a cross-process shared-memory substrate: a single
// POSIX-named memory mapping hosts a directory of named binary structures
// that multiple processes open, read, and mutate concurrently with no
// serialization and no kernel involvement on the fast path.
//
// A creator opens or creates a segment with segment.Create, then
// constructs named structures from the container, syncx, and codata
// packages against it. Attachers open the same segment with segment.Open
// and reconstruct a typed view over the existing bytes by name. All
// operations after that point are direct memory access coordinated only
// by atomics embedded in each structure's header; see each subpackage for
// its concurrency contract.
package zeroipc
