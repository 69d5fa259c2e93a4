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

package stack

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/segment"
)

func newTestTable(t *testing.T, size int64) *directory.Table {
	t.Helper()
	name := fmt.Sprintf("/zipc_stest_%d", time.Now().UnixNano())
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

func TestStackPushPopLIFO(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	s, err := Create[int64](tab, "s", 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if err := s.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := int64(4); i >= 0; i-- {
		v, err := s.Pop()
		if err != nil || v != i {
			t.Fatalf("pop = %v, %v, want %d, nil", v, err, i)
		}
	}
}

func TestStackEmptyReturnsErrEmpty(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	s, _ := Create[int64](tab, "s", 4)
	if _, err := s.Pop(); !errors.Is(err, zeroipc.ErrEmpty) {
		t.Fatalf("got %v, want ErrEmpty", err)
	}
}

func TestStackAcceptsExactlyCapPushes(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	const n = 6
	s, err := Create[int64](tab, "s", n)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := s.Push(int64(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := s.Push(999); !errors.Is(err, zeroipc.ErrFull) {
		t.Fatalf("push beyond capacity: got %v, want ErrFull", err)
	}
}

func TestStackConcurrentNoLossNoDuplication(t *testing.T) {
	tab := newTestTable(t, 1<<20)
	s, err := Create[int64](tab, "s", 1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			for s.Push(v) != nil {
			}
		}(int64(i))
	}
	wg.Wait()

	seen := make([]bool, n)
	var delivered int32
	var mu sync.Mutex
	var cwg sync.WaitGroup
	for c := 0; c < 8; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for atomic.LoadInt32(&delivered) < n {
				v, err := s.Pop()
				if err != nil {
					continue
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("duplicate pop of %d", v)
				}
				seen[v] = true
				mu.Unlock()
				atomic.AddInt32(&delivered, 1)
			}
		}()
	}
	cwg.Wait()
	for i, ok := range seen {
		if !ok {
			t.Fatalf("value %d never popped", i)
		}
	}
}
