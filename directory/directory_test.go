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

package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/segment"
)

func newTestSegment(t *testing.T, size int64) *segment.Segment {
	t.Helper()
	name := fmt.Sprintf("/zipc_dirtest_%d", time.Now().UnixNano())
	seg, err := segment.Create(name, size)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		segment.Unlink(name)
	})
	return seg
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, err := Create(seg, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := tb.MaxEntries(); got != 8 {
		t.Fatalf("MaxEntries = %d, want 8", got)
	}
	if got := tb.EntryCount(); got != 0 {
		t.Fatalf("EntryCount = %d, want 0", got)
	}

	reopened, err := Open(seg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := reopened.MaxEntries(); got != 8 {
		t.Fatalf("reopened MaxEntries = %d, want 8", got)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	seg := newTestSegment(t, 4096)
	if _, err := Open(seg); !errors.Is(err, zeroipc.ErrWrongMagic) {
		t.Fatalf("Open on zeroed segment: got %v, want ErrWrongMagic", err)
	}
}

func TestInsertFindList(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, err := Create(seg, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	off1, err := tb.Insert("alpha", 64, 8)
	if err != nil {
		t.Fatalf("Insert alpha: %v", err)
	}
	off2, err := tb.Insert("beta", 32, 16)
	if err != nil {
		t.Fatalf("Insert beta: %v", err)
	}
	if off2 < off1+64 {
		t.Fatalf("beta offset %d overlaps alpha's %d..%d", off2, off1, off1+64)
	}
	if off2%16 != 0 {
		t.Fatalf("beta offset %d not aligned to 16", off2)
	}

	e, ok := tb.Find("alpha")
	if !ok || e.Offset != off1 || e.Size != 64 {
		t.Fatalf("Find alpha = %+v, %v", e, ok)
	}
	if _, ok := tb.Find("missing"); ok {
		t.Fatalf("Find missing: got ok=true")
	}

	list := tb.List()
	if len(list) != 2 {
		t.Fatalf("List has %d entries, want 2", len(list))
	}
}

func TestMatch(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, _ := Create(seg, 8)
	tb.Insert("queue.requests", 8, 8)
	tb.Insert("queue.replies", 8, 8)
	tb.Insert("map.sessions", 8, 8)

	got, err := tb.Match("queue.*")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Match(\"queue.*\") returned %d entries, want 2", len(got))
	}
	names := map[string]bool{}
	for _, e := range got {
		names[e.Name] = true
	}
	if !names["queue.requests"] || !names["queue.replies"] {
		t.Fatalf("Match(\"queue.*\") = %v, missing expected names", got)
	}

	if _, err := tb.Match("["); err == nil {
		t.Fatalf("Match with malformed pattern returned nil error")
	}
}

func TestInsertDuplicateName(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, _ := Create(seg, 4)
	if _, err := tb.Insert("x", 8, 8); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tb.Insert("x", 8, 8); !errors.Is(err, zeroipc.ErrAlreadyExists) {
		t.Fatalf("second insert: got %v, want ErrAlreadyExists", err)
	}
	if got := tb.EntryCount(); got != 1 {
		t.Fatalf("EntryCount after failed duplicate insert = %d, want 1", got)
	}
}

func TestInsertDirectoryFull(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, _ := Create(seg, 2)
	if _, err := tb.Insert("a", 8, 8); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := tb.Insert("b", 8, 8); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if _, err := tb.Insert("c", 8, 8); !errors.Is(err, zeroipc.ErrDirectoryFull) {
		t.Fatalf("insert c: got %v, want ErrDirectoryFull", err)
	}
}

func TestInsertOutOfSpace(t *testing.T) {
	seg := newTestSegment(t, 256)
	tb, err := Create(seg, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tb.Insert("huge", 10_000, 8); !errors.Is(err, zeroipc.ErrOutOfSpace) {
		t.Fatalf("insert huge: got %v, want ErrOutOfSpace", err)
	}
	if got := tb.EntryCount(); got != 0 {
		t.Fatalf("EntryCount after failed insert = %d, want 0", got)
	}
}

func TestInsertNameTooLong(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, _ := Create(seg, 4)
	long := make([]byte, zeroipc.MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := tb.Insert(string(long), 8, 8); !errors.Is(err, zeroipc.ErrNameTooLong) {
		t.Fatalf("got %v, want ErrNameTooLong", err)
	}
}

func TestInsertConcurrentUniqueNames(t *testing.T) {
	seg := newTestSegment(t, 1<<16)
	tb, err := Create(seg, 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tb.Insert(fmt.Sprintf("entry-%02d", i), 16, 8)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if got := tb.EntryCount(); got != n {
		t.Fatalf("EntryCount = %d, want %d", got, n)
	}
	seen := map[string]bool{}
	for _, e := range tb.List() {
		if seen[e.Name] {
			t.Fatalf("duplicate entry in list: %s", e.Name)
		}
		seen[e.Name] = true
	}
}

func TestBreakStaleLock(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, _ := Create(seg, 4)

	tb.lock() // simulate a process that crashed while holding the lock

	if tb.BreakStaleLock(time.Hour) {
		t.Fatalf("BreakStaleLock cleared a fresh lock")
	}
	if !tb.BreakStaleLock(0) {
		t.Fatalf("BreakStaleLock did not clear an old-enough lock")
	}
	// directory is usable again
	if _, err := tb.Insert("after-recovery", 8, 8); err != nil {
		t.Fatalf("insert after recovery: %v", err)
	}
}

type collectingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collectingLogger) Printf(f string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, fmt.Sprintf(f, args...))
}

func (c *collectingLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestWatchdogClearsStaleLockAndLogs(t *testing.T) {
	seg := newTestSegment(t, 4096)
	tb, _ := Create(seg, 4)
	tb.lock()

	logger := &collectingLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tb.Watchdog(ctx, 0, 5*time.Millisecond, logger)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for logger.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if logger.count() == 0 {
		t.Fatalf("Watchdog did not log a recovery within the deadline")
	}
	if _, err := tb.Insert("after-watchdog", 8, 8); err != nil {
		t.Fatalf("insert after watchdog recovery: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Watchdog did not return after ctx cancellation")
	}
}
