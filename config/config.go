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

// Package config reads the two knobs spec §6 allows as environment
// variables, plus (additively) a YAML manifest describing segments and
// the named structures they should contain — used by cmd/zeroipc's
// create-from-file subcommand to pre-create a whole layout in one step
// instead of one flag-driven command per structure.
package config

import (
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"
)

// Config holds the process-wide knobs this module reads from the
// environment, matching the shape of auth.NewEnvProvider's
// os.Getenv-with-default convention.
type Config struct {
	// DefaultDirectoryCapacity is the maxEntries passed to
	// directory.Create when a caller does not specify one explicitly.
	DefaultDirectoryCapacity uint32
	// TestTimingMultiplier is read from ZEROIPC_TEST_TIMING_MULTIPLIER
	// (positive values only, default 1.0). The module's own tests use
	// fixed durations and do not consult it.
	TestTimingMultiplier float64
}

const (
	envDirectoryCapacity = "ZEROIPC_DIRECTORY_CAPACITY"
	envTimingMultiplier  = "ZEROIPC_TEST_TIMING_MULTIPLIER"

	defaultDirectoryCapacity = 64
	defaultTimingMultiplier  = 1.0
)

// FromEnv reads Config from the environment, falling back to defaults
// for any variable that is unset or fails to parse.
func FromEnv() Config {
	cfg := Config{
		DefaultDirectoryCapacity: defaultDirectoryCapacity,
		TestTimingMultiplier:     defaultTimingMultiplier,
	}
	if v := os.Getenv(envDirectoryCapacity); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.DefaultDirectoryCapacity = uint32(n)
		}
	}
	if v := os.Getenv(envTimingMultiplier); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.TestTimingMultiplier = f
		}
	}
	return cfg
}

// StructureSpec names one directory entry a Manifest wants pre-created,
// along with the byte size and alignment to reserve for it. Size/Align
// are the same units directory.Table.Insert takes, and cmd/zeroipc's
// create-from-file passes them to Insert as given; the manifest does
// not know about specific container types.
type StructureSpec struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"` // e.g. "queue", "map", "future"; create-from-file only logs it
	Size  uint32 `json:"size"`
	Align uint32 `json:"align,omitempty"`
}

// SegmentSpec describes one shared-memory segment and the structures
// it should contain.
type SegmentSpec struct {
	Name              string          `json:"name"`
	Bytes             int64           `json:"bytes"`
	DirectoryCapacity uint32          `json:"directoryCapacity,omitempty"`
	Structures        []StructureSpec `json:"structures,omitempty"`
}

// Manifest is a declarative description of one or more segments,
// loaded from YAML via LoadManifest.
type Manifest struct {
	Segments []SegmentSpec `json:"segments"`
}

// LoadManifest reads and parses a YAML manifest file describing
// segments and structures to create.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("zeroipc: reading manifest %q: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("zeroipc: parsing manifest %q: %w", path, err)
	}
	for i := range m.Segments {
		if m.Segments[i].DirectoryCapacity == 0 {
			m.Segments[i].DirectoryCapacity = defaultDirectoryCapacity
		}
	}
	return m, nil
}
