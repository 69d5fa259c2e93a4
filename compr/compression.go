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

// Package compr selects a compression codec by name for cmd/zeroipc's
// export/import subcommands, which move a directory entry's raw bytes
// to and from a plain file outside any segment. A zstd or s2 codec
// keeps an archived export small; an uncompressed export uses no codec
// at all (ByName("") returns nil) and the bytes are copied as they are.
package compr

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec is a named compression algorithm usable for export.
type Codec interface {
	// Name identifies the codec, e.g. for a round-trip sanity check.
	Name() string
	// Compress appends the compressed form of src to dst and returns
	// the result.
	Compress(src, dst []byte) []byte
	// Decompress expands src into dst, which must already be sized to
	// the known decompressed length (cmd/zeroipc's import takes that
	// length from its -size flag).
	// Safe to call concurrently from multiple goroutines.
	Decompress(src, dst []byte) error
}

type zstdCodec struct {
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	decName string
}

func (z zstdCodec) Name() string { return z.decName }

func (z zstdCodec) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z zstdCodec) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := z.dec.DecodeAll(src, into)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("zstd decompress: expected %d bytes, got %d", len(dst), len(ret))
	}
	if &ret[0] != &dst[0] {
		return fmt.Errorf("zstd decompress: output buffer was reallocated")
	}
	return nil
}

// sharedZstdDecoder is reused across every Codec("zstd")/Codec("zstd-better")
// call: constructing a *zstd.Decoder is comparatively expensive and the
// decoder is safe for concurrent DecodeAll calls, so cmd/zeroipc's
// one-shot import/export commands do not each pay that setup cost.
var sharedZstdDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	sharedZstdDecoder = d
}

type s2Codec struct{}

func (s2Codec) Name() string { return "s2" }

func (s2Codec) Compress(src, dst []byte) []byte {
	tail := dst[len(dst):cap(dst)]
	// s2 requires non-overlapping src and dst.
	if overlaps(src, tail) {
		tail = nil
	}
	got := s2.Encode(tail, src)
	if len(dst) == 0 {
		return got
	}
	if len(tail) > 0 && len(got) > 0 && &tail[0] == &got[0] {
		return dst[:len(dst)+len(got)]
	}
	return append(dst, got...)
}

func (s2Codec) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := s2.Decode(into, src)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("s2 decompress: expected %d bytes, got %d", len(dst), len(ret))
	}
	if &ret[0] != &dst[0] {
		return fmt.Errorf("s2 decompress: output buffer was reallocated")
	}
	return nil
}

// ByName returns the codec named name, or nil if name is not one of
// "zstd", "zstd-better", or "s2". An empty name has no codec: the
// caller's export/import path treats that as "copy the bytes as is."
func ByName(name string) Codec {
	switch name {
	case "zstd":
		w, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCodec{enc: w, dec: sharedZstdDecoder, decName: "zstd"}
	case "zstd-better":
		w, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
		return zstdCodec{enc: w, dec: sharedZstdDecoder, decName: "zstd-better"}
	case "s2":
		return s2Codec{}
	default:
		return nil
	}
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	a1 := a0 + uintptr(len(a))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	b1 := b0 + uintptr(len(b))
	return a0 < b1 && b0 < a1
}
