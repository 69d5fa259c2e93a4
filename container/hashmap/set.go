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

package hashmap

import "github.com/queelius/zeroipc/directory"

// Set is Map[K,struct{}], per spec §4.5.
type Set[K comparable] struct {
	m *Map[K, struct{}]
}

// CreateSet bump-allocates a new Set[K] inside tab.
func CreateSet[K comparable](tab *directory.Table, name string, requestedCapacity int) (*Set[K], error) {
	m, err := Create[K, struct{}](tab, name, requestedCapacity)
	if err != nil {
		return nil, err
	}
	return &Set[K]{m: m}, nil
}

// OpenSet attaches to an existing Set[K] named name within tab.
func OpenSet[K comparable](tab *directory.Table, name string) (*Set[K], error) {
	m, err := Open[K, struct{}](tab, name)
	if err != nil {
		return nil, err
	}
	return &Set[K]{m: m}, nil
}

// Cap returns the set's fixed slot capacity.
func (s *Set[K]) Cap() int { return s.m.Cap() }

// Size returns the number of elements currently in the set.
func (s *Set[K]) Size() int { return s.m.Size() }

// Add inserts k, returning true if it was not already present.
func (s *Set[K]) Add(k K) (bool, error) {
	return s.m.Insert(k, struct{}{})
}

// Contains reports whether k is in the set.
func (s *Set[K]) Contains(k K) bool { return s.m.Contains(k) }

// Remove deletes k, returning whether it was present.
func (s *Set[K]) Remove(k K) bool { return s.m.Remove(k) }

// Clear empties the set. Not safe to call concurrently with other operations.
func (s *Set[K]) Clear() { s.m.Clear() }
