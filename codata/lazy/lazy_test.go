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

package lazy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/segment"
)

func newTestTable(t *testing.T, size int64) *directory.Table {
	t.Helper()
	name := fmt.Sprintf("/zipc_lztest_%d", time.Now().UnixNano())
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

func TestLazyPeekBeforeForceIsNotOK(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	l, err := Create[int](tab, "l")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := l.Peek(); ok {
		t.Fatalf("Peek before Force returned ok=true")
	}
}

func TestLazyForceComputesOnce(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	l, _ := Create[int](tab, "l")

	var calls int32
	compute := func() int {
		atomic.AddInt32(&calls, 1)
		return 99
	}

	if v := l.Force(compute); v != 99 {
		t.Fatalf("Force = %d, want 99", v)
	}
	if v := l.Force(compute); v != 99 {
		t.Fatalf("second Force = %d, want 99", v)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}
	if l.ComputeCount() != 1 {
		t.Fatalf("ComputeCount = %d, want 1", l.ComputeCount())
	}
}

func TestLazyConcurrentForceRunsComputeOnce(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	l, _ := Create[int](tab, "l")

	var calls int32
	compute := func() int {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return 5
	}

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.Force(compute)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}
	for i, v := range results {
		if v != 5 {
			t.Fatalf("results[%d] = %d, want 5", i, v)
		}
	}
}

func TestLazyForceForTimesOutWithoutComputing(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	l, _ := Create[int](tab, "l")

	start := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(start)
		l.Force(func() int {
			<-done
			return 1
		})
	}()
	<-start
	time.Sleep(5 * time.Millisecond)

	_, err := l.ForceFor(func() int {
		t.Fatalf("this process's compute should never run while another owns Computing")
		return -1
	}, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("ForceFor returned nil error while computation was still in flight")
	}
	close(done)
}
