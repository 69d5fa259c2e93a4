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

package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/segment"
)

func newTestTable(t *testing.T, size int64) *directory.Table {
	t.Helper()
	name := fmt.Sprintf("/zipc_ptest_%d", time.Now().UnixNano())
	seg, err := segment.Create(name, size)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		segment.Unlink(name)
	})
	tab, err := directory.Create(seg, 16)
	if err != nil {
		t.Fatalf("directory.Create: %v", err)
	}
	return tab
}

func TestPoolAllocFreeRoundTrip(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	p, err := Create[int64](tab, "p", 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Set(idx, 123); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := p.Get(idx)
	if err != nil || v != 123 {
		t.Fatalf("Get = %v, %v, want 123, nil", v, err)
	}
	if err := p.Free(idx); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestPoolExhaustion(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	p, _ := Create[int64](tab, "p", 3)
	for i := 0; i < 3; i++ {
		if _, err := p.Alloc(); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := p.Alloc(); !errors.Is(err, zeroipc.ErrEmpty) {
		t.Fatalf("alloc beyond capacity: got %v, want ErrEmpty", err)
	}
}

func TestPoolFreeAndReallocReusesIndex(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	p, _ := Create[int64](tab, "p", 1)
	idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Free(idx); err != nil {
		t.Fatalf("Free: %v", err)
	}
	idx2, err := p.Alloc()
	if err != nil || idx2 != idx {
		t.Fatalf("realloc = %v, %v, want %d, nil", idx2, err, idx)
	}
}

func TestPoolOutOfRange(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	p, _ := Create[int64](tab, "p", 2)
	if _, err := p.Get(5); !errors.Is(err, zeroipc.ErrOutOfRange) {
		t.Fatalf("Get(5): got %v, want ErrOutOfRange", err)
	}
	if err := p.Free(5); !errors.Is(err, zeroipc.ErrOutOfRange) {
		t.Fatalf("Free(5): got %v, want ErrOutOfRange", err)
	}
}

func TestPoolConcurrentAllocFreeNoDuplicateHandles(t *testing.T) {
	tab := newTestTable(t, 1<<20)
	const capacity = 64
	p, err := Create[int64](tab, "p", capacity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				idx, err := p.Alloc()
				if err != nil {
					continue
				}
				p.Set(idx, int64(idx))
				v, err := p.Get(idx)
				if err != nil || v != int64(idx) {
					t.Errorf("Get(%d) = %v, %v, want %d, nil", idx, v, err, idx)
				}
				if err := p.Free(idx); err != nil {
					t.Errorf("Free(%d): %v", idx, err)
				}
			}
		}()
	}
	wg.Wait()

	// every slot should be back on the free list
	var got []uint32
	for i := 0; i < capacity; i++ {
		idx, err := p.Alloc()
		if err != nil {
			t.Fatalf("final alloc %d: %v", i, err)
		}
		got = append(got, idx)
	}
	if _, err := p.Alloc(); !errors.Is(err, zeroipc.ErrEmpty) {
		t.Fatalf("pool not fully drained: got %v, want ErrEmpty", err)
	}
	seen := map[uint32]bool{}
	for _, idx := range got {
		if seen[idx] {
			t.Fatalf("index %d handed out twice", idx)
		}
		seen[idx] = true
	}
}
