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

package zeroipc

// Magic identifies a zeroipc segment. It is the first four bytes of the
// directory header, stored little-endian ("ZIPM" read as a uint32 on a
// little-endian machine).
const Magic uint32 = 0x5A49504D

// Version is the current on-disk layout version.
const Version uint32 = 1

// MaxNameLen is the maximum number of non-NUL bytes in a structure or
// directory-slot name.
const MaxNameLen = 31

// NameSize is the fixed on-disk width of a name field, including the
// trailing NUL.
const NameSize = 32

// AlignFloor is the minimum alignment the bump allocator ever grants,
// regardless of what a structure requests.
const AlignFloor = 8

// DefaultDirEntries is a directory capacity for callers that have no
// better value; neither segment.Create nor directory.Create applies it
// on its own.
const DefaultDirEntries = 64
