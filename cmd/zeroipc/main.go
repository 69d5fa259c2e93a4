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

// Command zeroipc inspects and manages zeroipc segments from outside the
// processes that use them: list and pattern-match a segment's directory,
// show the raw bytes an entry occupies, export them (optionally
// compressed) to a file or import a file back in as a new entry, create
// a fresh segment (bare or from a YAML manifest), and run a watchdog
// that clears stale creation locks left behind by a process that died
// mid-insert.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/queelius/zeroipc"
	"github.com/queelius/zeroipc/compr"
	"github.com/queelius/zeroipc/config"
	"github.com/queelius/zeroipc/directory"
	"github.com/queelius/zeroipc/segment"
)

// stdLogger adapts the standard library's log package to zeroipc.Logger,
// matching the teacher's log.Printf/log.Fatal convention for its CLIs.
type stdLogger struct{}

func (stdLogger) Printf(f string, args ...any) { log.Printf(f, args...) }

var (
	dashv        bool
	dashCap      uint
	dashAlign    uint
	dashSize     uint
	dashCompress string
	dashThresh   time.Duration
	dashInterval time.Duration
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.UintVar(&dashCap, "capacity", 0, "directory capacity for create (default from ZEROIPC_DIRECTORY_CAPACITY or 64)")
	flag.UintVar(&dashAlign, "align", 8, "alignment in bytes, for create's bare-entry form and for import")
	flag.UintVar(&dashSize, "size", 0, "entry size in bytes, for create's bare-entry form and for import")
	flag.StringVar(&dashCompress, "compress", "", "compression codec for export/import: zstd, zstd-better, s2, or empty for raw")
	flag.DurationVar(&dashThresh, "threshold", time.Minute, "watchdog: age beyond which a held creation lock is considered stale")
	flag.DurationVar(&dashInterval, "interval", 5*time.Second, "watchdog: poll interval")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashv {
		log.Printf(f, args...)
	}
}

func openDirectory(name string) (*segment.Segment, *directory.Table) {
	seg, err := segment.Open(name)
	if err != nil {
		exitf("opening %s: %s\n", name, err)
	}
	tab, err := directory.Open(seg)
	if err != nil {
		seg.Close()
		exitf("opening directory in %s: %s\n", name, err)
	}
	return seg, tab
}

// ls prints every directory entry in name, or only those matching
// pattern when one is given.
func ls(name string, pattern string) {
	seg, tab := openDirectory(name)
	defer seg.Close()

	var entries []directory.Entry
	if pattern == "" {
		entries = tab.List()
	} else {
		var err error
		entries, err = tab.Match(pattern)
		if err != nil {
			exitf("bad pattern %q: %s\n", pattern, err)
		}
	}
	for _, e := range entries {
		fmt.Printf("%-32s  offset=%-10d size=%d\n", e.Name, e.Offset, e.Size)
	}
	if dashv {
		logf("%d/%d entries, next_offset=%d", len(entries), tab.MaxEntries(), tab.NextOffset())
	}
}

// show prints an entry's metadata and a hex dump of its bytes.
func show(segName, entryName string) {
	seg, tab := openDirectory(segName)
	defer seg.Close()

	e, ok := tab.Find(entryName)
	if !ok {
		exitf("no entry named %q in %s\n", entryName, segName)
	}
	fmt.Printf("name:   %s\n", e.Name)
	fmt.Printf("offset: %d\n", e.Offset)
	fmt.Printf("size:   %d\n", e.Size)

	mem := seg.Mem()
	if uint64(e.Offset)+uint64(e.Size) > uint64(len(mem)) {
		exitf("entry %q extends past segment end\n", entryName)
	}
	body := mem[e.Offset : e.Offset+e.Size]
	const width = 16
	for off := 0; off < len(body); off += width {
		end := off + width
		if end > len(body) {
			end = len(body)
		}
		fmt.Printf("%08x  % x\n", off, body[off:end])
	}
}

// export writes an entry's raw bytes to outPath, optionally compressed.
func export(segName, entryName, outPath string) {
	seg, tab := openDirectory(segName)
	defer seg.Close()

	e, ok := tab.Find(entryName)
	if !ok {
		exitf("no entry named %q in %s\n", entryName, segName)
	}
	mem := seg.Mem()
	if uint64(e.Offset)+uint64(e.Size) > uint64(len(mem)) {
		exitf("entry %q extends past segment end\n", entryName)
	}
	body := mem[e.Offset : e.Offset+e.Size]

	out := body
	if dashCompress != "" {
		c := compr.ByName(dashCompress)
		if c == nil {
			exitf("unknown compression codec %q\n", dashCompress)
		}
		out = c.Compress(body, nil)
		logf("compressed %d -> %d bytes with %s", len(body), len(out), c.Name())
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		exitf("writing %s: %s\n", outPath, err)
	}
	logf("wrote %d bytes to %s", len(out), outPath)
}

// importFile is export's mirror: it reads inPath, optionally
// decompresses it with -compress, and inserts the result as a new
// directory entry named entryName sized and aligned by -size/-align.
// -size must equal the entry's final (decompressed) length.
func importFile(segName, inPath, entryName string) {
	if dashSize == 0 {
		exitf("-size is required: it is the decompressed length to reserve for %q\n", entryName)
	}
	raw, err := os.ReadFile(inPath)
	if err != nil {
		exitf("reading %s: %s\n", inPath, err)
	}

	body := raw
	if dashCompress != "" {
		c := compr.ByName(dashCompress)
		if c == nil {
			exitf("unknown compression codec %q\n", dashCompress)
		}
		decoded := make([]byte, dashSize)
		if err := c.Decompress(raw, decoded); err != nil {
			exitf("decompressing %s with %s: %s\n", inPath, c.Name(), err)
		}
		body = decoded
		logf("decompressed %d -> %d bytes with %s", len(raw), len(body), c.Name())
	}
	if uint64(len(body)) != uint64(dashSize) {
		exitf("decompressed length %d does not match -size %d\n", len(body), dashSize)
	}

	seg, tab := openDirectory(segName)
	defer seg.Close()
	off, err := tab.Insert(entryName, uint32(dashSize), uint32(dashAlign))
	if err != nil {
		exitf("inserting entry %q: %s\n", entryName, err)
	}
	copy(seg.Mem()[off:off+uint32(dashSize)], body)
	logf("inserted %q at offset %d, size %d", entryName, off, dashSize)
}

// create makes a fresh segment of byteSize bytes with an empty
// directory. If entryName is non-empty it also reserves a single raw
// entry of -size bytes aligned to -align, for callers that just want a
// named scratch region without a full manifest.
func create(segName string, byteSize int64, entryName string) {
	cap32 := uint32(dashCap)
	if cap32 == 0 {
		cap32 = config.FromEnv().DefaultDirectoryCapacity
	}
	seg, err := segment.Create(segName, byteSize)
	if err != nil {
		exitf("creating segment %s: %s\n", segName, err)
	}
	defer seg.Close()
	tab, err := directory.Create(seg, cap32)
	if err != nil {
		exitf("creating directory in %s: %s\n", segName, err)
	}
	logf("created %s: %d bytes, directory capacity %d", segName, byteSize, cap32)

	if entryName == "" {
		return
	}
	if dashSize == 0 {
		exitf("-size is required when creating entry %q\n", entryName)
	}
	off, err := tab.Insert(entryName, uint32(dashSize), uint32(dashAlign))
	if err != nil {
		exitf("inserting entry %q: %s\n", entryName, err)
	}
	logf("inserted %q at offset %d, size %d", entryName, off, dashSize)
}

// createFromFile realizes every segment and structure named in a YAML
// manifest (see package config), for standing up a whole layout in one
// command instead of one -size/-align create per structure.
func createFromFile(path string) {
	manifest, err := config.LoadManifest(path)
	if err != nil {
		exitf("loading manifest %s: %s\n", path, err)
	}
	for _, segSpec := range manifest.Segments {
		seg, err := segment.Create(segSpec.Name, segSpec.Bytes)
		if err != nil {
			exitf("creating segment %s: %s\n", segSpec.Name, err)
		}
		tab, err := directory.Create(seg, segSpec.DirectoryCapacity)
		if err != nil {
			seg.Close()
			exitf("creating directory in %s: %s\n", segSpec.Name, err)
		}
		logf("created %s: %d bytes, directory capacity %d", segSpec.Name, segSpec.Bytes, segSpec.DirectoryCapacity)
		for _, st := range segSpec.Structures {
			align := st.Align
			if align == 0 {
				align = zeroipc.AlignFloor
			}
			off, err := tab.Insert(st.Name, st.Size, align)
			if err != nil {
				seg.Close()
				exitf("inserting %s %q into %s: %s\n", st.Kind, st.Name, segSpec.Name, err)
			}
			logf("  %s %q (%s) at offset %d, size %d", st.Kind, st.Name, st.Kind, off, st.Size)
		}
		seg.Close()
	}
}

// watchdog polls name's directory every -interval and clears the
// creation spinlock if it has been held longer than -threshold,
// recovering a directory left locked by a process that died between
// acquiring the lock and publishing its insert.
func watchdog(name string) {
	seg, tab := openDirectory(name)
	defer seg.Close()

	log.Printf("watchdog: monitoring %s every %s, threshold %s", name, dashInterval, dashThresh)
	tab.Watchdog(context.Background(), dashThresh, dashInterval, stdLogger{})
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: flags always precede the subcommand, e.g. %s -v ls <segment>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s ls <segment> [pattern]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        list directory entries, optionally filtered by a glob pattern\n")
	fmt.Fprintf(os.Stderr, "    %s show <segment> <name>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        print an entry's metadata and a hex dump of its bytes\n")
	fmt.Fprintf(os.Stderr, "    %s [-compress codec] export <segment> <name> <outfile>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        write an entry's bytes to a file, optionally compressed\n")
	fmt.Fprintf(os.Stderr, "    %s [-compress codec] [-size n] [-align n] import <segment> <infile> <name>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        insert a file's bytes (optionally decompressing) as a new entry\n")
	fmt.Fprintf(os.Stderr, "    %s [-size n] [-align n] [-capacity n] create <segment> <bytes> [entry-name]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        create a new segment, optionally reserving one raw entry\n")
	fmt.Fprintf(os.Stderr, "    %s create-from-file <manifest.yaml>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        create every segment and structure named in a manifest\n")
	fmt.Fprintf(os.Stderr, "    %s [-threshold d] [-interval d] watchdog <segment>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        clear stale creation locks left by a crashed writer\n")
	fmt.Fprintf(os.Stderr, "flag usage:\n")
	flag.Usage()
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "ls":
		if len(args) < 2 || len(args) > 3 {
			exitf("usage: ls <segment> [pattern]\n")
		}
		pattern := ""
		if len(args) == 3 {
			pattern = args[2]
		}
		ls(args[1], pattern)
	case "show":
		if len(args) != 3 {
			exitf("usage: show <segment> <name>\n")
		}
		show(args[1], args[2])
	case "export":
		if len(args) != 4 {
			exitf("usage: export <segment> <name> <outfile>\n")
		}
		export(args[1], args[2], args[3])
	case "import":
		if len(args) != 4 {
			exitf("usage: import <segment> <infile> <name>\n")
		}
		importFile(args[1], args[2], args[3])
	case "create":
		if len(args) < 3 || len(args) > 4 {
			exitf("usage: create <segment> <bytes> [entry-name]\n")
		}
		var n int64
		if _, err := fmt.Sscanf(args[2], "%d", &n); err != nil {
			exitf("bad byte size %q: %s\n", args[2], err)
		}
		entryName := ""
		if len(args) == 4 {
			entryName = args[3]
		}
		create(args[1], n, entryName)
	case "create-from-file":
		if len(args) != 2 {
			exitf("usage: create-from-file <manifest.yaml>\n")
		}
		createFromFile(args[1])
	case "watchdog":
		if len(args) != 2 {
			exitf("usage: watchdog <segment>\n")
		}
		watchdog(args[1])
	default:
		usage()
		os.Exit(1)
	}
}
