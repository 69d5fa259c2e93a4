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

// Logger is the minimal diagnostic sink accepted by components that want
// to surface best-effort messages to an owning application — a
// watchdog's recovery actions, a CLI's verbose output — without this
// module depending on any particular logging library. No core data
// structure operation ever logs; this exists only for the handful of
// callers above that boundary who want visibility into what a background
// helper is doing.
//
// A nil Logger is valid and silently discards every message.
type Logger interface {
	Printf(f string, args ...any)
}
