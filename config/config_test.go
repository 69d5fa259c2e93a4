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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	os.Unsetenv(envDirectoryCapacity)
	os.Unsetenv(envTimingMultiplier)
	cfg := FromEnv()
	if cfg.DefaultDirectoryCapacity != defaultDirectoryCapacity {
		t.Fatalf("DefaultDirectoryCapacity = %d, want %d", cfg.DefaultDirectoryCapacity, defaultDirectoryCapacity)
	}
	if cfg.TestTimingMultiplier != defaultTimingMultiplier {
		t.Fatalf("TestTimingMultiplier = %f, want %f", cfg.TestTimingMultiplier, defaultTimingMultiplier)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(envDirectoryCapacity, "128")
	t.Setenv(envTimingMultiplier, "2.5")
	cfg := FromEnv()
	if cfg.DefaultDirectoryCapacity != 128 {
		t.Fatalf("DefaultDirectoryCapacity = %d, want 128", cfg.DefaultDirectoryCapacity)
	}
	if cfg.TestTimingMultiplier != 2.5 {
		t.Fatalf("TestTimingMultiplier = %f, want 2.5", cfg.TestTimingMultiplier)
	}
}

func TestFromEnvIgnoresUnparsable(t *testing.T) {
	t.Setenv(envDirectoryCapacity, "not-a-number")
	t.Setenv(envTimingMultiplier, "-1")
	cfg := FromEnv()
	if cfg.DefaultDirectoryCapacity != defaultDirectoryCapacity {
		t.Fatalf("DefaultDirectoryCapacity = %d, want default %d", cfg.DefaultDirectoryCapacity, defaultDirectoryCapacity)
	}
	if cfg.TestTimingMultiplier != defaultTimingMultiplier {
		t.Fatalf("TestTimingMultiplier = %f, want default %f", cfg.TestTimingMultiplier, defaultTimingMultiplier)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := []byte(`
segments:
  - name: /zipc_demo
    bytes: 1048576
    structures:
      - name: requests
        kind: queue
        size: 4096
        align: 8
  - name: /zipc_demo2
    bytes: 65536
    directoryCapacity: 16
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(m.Segments))
	}
	first := m.Segments[0]
	if first.Name != "/zipc_demo" || first.Bytes != 1048576 {
		t.Fatalf("Segments[0] = %+v", first)
	}
	if first.DirectoryCapacity != defaultDirectoryCapacity {
		t.Fatalf("Segments[0].DirectoryCapacity = %d, want default %d", first.DirectoryCapacity, defaultDirectoryCapacity)
	}
	if len(first.Structures) != 1 || first.Structures[0].Name != "requests" || first.Structures[0].Kind != "queue" {
		t.Fatalf("Segments[0].Structures = %+v", first.Structures)
	}

	second := m.Segments[1]
	if second.DirectoryCapacity != 16 {
		t.Fatalf("Segments[1].DirectoryCapacity = %d, want 16", second.DirectoryCapacity)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("LoadManifest on missing file returned nil error")
	}
}
