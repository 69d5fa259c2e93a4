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

//go:build windows

package segment

import (
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmap(f *os.File, size int64, create bool) ([]byte, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE, uint32(size>>32), uint32(size), nil)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

func unmap(buf []byte) error {
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&buf[0])))
}

func resize(f *os.File, size int64) error {
	return f.Truncate(size)
}

func shmOpen(name string, create bool) (*os.File, error) {
	dir := shmDir()
	if create {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, err
		}
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	return os.OpenFile(shmPath(name), flags, 0666)
}

func shmUnlink(name string) error {
	return os.Remove(shmPath(name))
}

func shmDir() string {
	return filepath.Join(os.TempDir(), "zeroipc-shm")
}

func shmPath(name string) string {
	return filepath.Join(shmDir(), filepath.Base(name))
}
