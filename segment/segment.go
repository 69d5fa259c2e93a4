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

// Package segment maps a POSIX-named shared-memory region into the
// process and provides raw byte access to it. It is deliberately thin:
// the segment knows nothing about directories or structures layered on
// top of it (see package directory for that); it only owns the mapped
// bytes and the lifecycle of the backing OS object.
package segment

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/usock"
)

// Segment is a mapped region of shared memory. Addresses within Mem()
// differ between processes that map the same named segment; byte
// offsets within the region do not.
type Segment struct {
	name string
	file *os.File
	mem  []byte
}

// Name returns the portable name the segment was created or opened with.
func (s *Segment) Name() string { return s.name }

// Size returns the number of bytes mapped.
func (s *Segment) Size() int64 { return int64(len(s.mem)) }

// Mem returns the raw bytes of the mapping. Callers build typed views
// (directory, containers, sync primitives, codata) directly on top of
// this slice; segment itself never interprets its contents.
func (s *Segment) Mem() []byte { return s.mem }

// File returns the open file handle backing the mapping, so that it can
// be handed off to another process with SendFD.
func (s *Segment) File() *os.File { return s.file }

// GenerateName returns a likely-unique segment name under prefix, for
// callers (notably cmd/zeroipc create) that want a fresh scratch
// segment without picking a name themselves. Names are bound by the
// same MaxNameLen as directory entries (spec §3 "Naming"), so only an
// 8-hex-digit slice of a UUID is appended, and prefix is truncated if
// necessary to leave room for it.
func GenerateName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	budget := zeroipc.MaxNameLen - len(suffix) - 1
	if budget < 0 {
		budget = 0
	}
	if len(prefix) > budget {
		prefix = prefix[:budget]
	}
	return fmt.Sprintf("%s_%s", prefix, suffix)
}

func validateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty name", zeroipc.ErrInvalidName)
	}
	if len(name) > zeroipc.MaxNameLen {
		return fmt.Errorf("%w: %q longer than %d bytes", zeroipc.ErrNameTooLong, name, zeroipc.MaxNameLen)
	}
	return nil
}

// Create maps a new segment of size bytes, zeroing it, and leaves it
// ready for a directory header to be written into offset 0. It fails
// with ErrAlreadyExists if a segment of that name already exists, or
// ErrInvalidName/ErrNameTooLong for a malformed name.
func Create(name string, size int64) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := shmOpen(name, true)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", zeroipc.ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	if err := resize(f, size); err != nil {
		f.Close()
		shmUnlink(name)
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	mem, err := mmap(f, size, true)
	if err != nil {
		f.Close()
		shmUnlink(name)
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	for i := range mem {
		mem[i] = 0
	}
	return &Segment{name: name, file: f, mem: mem}, nil
}

// Open maps an existing segment by name. It does not interpret the
// directory header; callers validate magic/version themselves (see
// package directory), surfacing ErrWrongMagic/ErrVersionMismatch.
func Open(name string) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := shmOpen(name, false)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", zeroipc.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	mem, err := mmap(f, fi.Size(), false)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	return &Segment{name: name, file: f, mem: mem}, nil
}

// OpenFD reconstructs a Segment from a file descriptor that was handed
// to this process directly (see AttachFD), rather than looked up by
// name. size must be the full mapped size, since there is no guarantee
// the receiving process can stat a handle delivered this way before the
// sender has finished writing to it.
func OpenFD(name string, f *os.File, size int64) (*Segment, error) {
	mem, err := mmap(f, size, false)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	return &Segment{name: name, file: f, mem: mem}, nil
}

// Close unmaps the segment in this process. It does not remove the OS
// name; other mappings, including ones in this same process, continue
// to work. Close is always safe to call on every exit path.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unmap(s.mem)
	s.mem = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Unlink removes the OS name for a segment. Existing mappings (in this
// or other processes) continue to work; only future Open/Create calls
// are affected. Unlink is idempotent: unlinking an already-unlinked name
// returns ErrNotFound, which callers are free to ignore.
func Unlink(name string) error {
	if err := shmUnlink(name); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", zeroipc.ErrNotFound, name)
		}
		return fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	return nil
}

// SendFD hands this segment's backing file descriptor to a cooperating
// process over an already-connected unix-domain socket, using SCM_RIGHTS
// ancillary data. This lets a child (or any process that inherited or
// was passed conn) attach to the segment without a second shm_open/open
// call or a name lookup. The name is sent as the in-band message so the
// receiver can label the reconstructed Segment.
func (s *Segment) SendFD(conn *net.UnixConn) error {
	_, err := usock.WriteWithFile(conn, []byte(s.name), s.file)
	return err
}

// AttachFD receives a segment file descriptor sent by SendFD over conn
// and maps it. size must be supplied out-of-band by the caller (e.g.
// agreed on in advance, or read from the directory header after a
// minimal unauthenticated read), since the name/size are not otherwise
// validated on this path.
func AttachFD(conn *net.UnixConn, size int64) (*Segment, error) {
	buf := make([]byte, zeroipc.NameSize)
	n, f, err := usock.ReadWithFile(conn, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", zeroipc.ErrIO, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: no file descriptor received", zeroipc.ErrIO)
	}
	return OpenFD(string(buf[:n]), f, size)
}
