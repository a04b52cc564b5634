// layout/layout.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package layout knows how an image is laid out on disk: the image base
// path, the numbered chunk files a chunked capture is split into, and the
// sidecar files stored next to it.
//
//	<base>           single-file image (unchunked)
//	<base>.000 ...   chunk files (chunked), zero padded, contiguous
//	<base>.json      descriptor
//	<base>.sha256    checksum of the stored bytes
//	<file>.rs        Reed-Solomon parity for one data file
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MaxChunks is the number of chunk names three decimal digits allow.
const MaxChunks = 1000

const (
	SidecarExt  = ".json"
	ChecksumExt = ".sha256"
	ParityExt   = ".rs"
)

// Normalize returns target with ".img.<ext>" appended, unless it already
// ends that way.
func Normalize(target, ext string) string {
	suffix := ".img." + ext
	if strings.HasSuffix(target, suffix) {
		return target
	}
	return target + suffix
}

// DefaultName builds "<dev>_<fstype>.img.<ext>" for a device such as
// /dev/sda1.
func DefaultName(device, fsType, ext string) string {
	dev := strings.TrimPrefix(device, "/dev/")
	dev = strings.Map(func(r rune) rune {
		switch r {
		case '/', ' ', '\t':
			return '_'
		}
		return r
	}, dev)
	if fsType == "" {
		fsType = "fs"
	}
	return fmt.Sprintf("%s_%s.img.%s", dev, fsType, ext)
}

func Sidecar(base string) string      { return base + SidecarExt }
func ChecksumFile(base string) string { return base + ChecksumExt }
func ParityFile(path string) string   { return path + ParityExt }

// ChunkName returns the name of chunk i of the image at base.
func ChunkName(base string, i int) string {
	return fmt.Sprintf("%s.%03d", base, i)
}

// ChunkPrefix is what split(1) is given as its output prefix.
func ChunkPrefix(base string) string {
	return base + "."
}

// ChunkIndex parses a ".NNN" suffix.
func ChunkIndex(path string) (int, bool) {
	ext := filepath.Ext(path)
	if len(ext) != 4 {
		return 0, false
	}
	for _, c := range ext[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(ext[1:])
	if err != nil {
		return 0, false
	}
	return i, true
}

// Base maps any file belonging to an image (chunk, sidecar, checksum or
// the image itself) to the image base path.
func Base(path string) string {
	if _, ok := ChunkIndex(path); ok {
		return path[:len(path)-4]
	}
	for _, ext := range []string{SidecarExt, ChecksumExt} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}

// Chunks returns the expected chunk paths [0, count).
func Chunks(base string, count int) []string {
	var c []string
	for i := 0; i < count; i++ {
		c = append(c, ChunkName(base, i))
	}
	return c
}

// FirstMissing returns the first index in [0, count) that does not exist
// as a regular file, or -1 when the set is complete.
func FirstMissing(base string, count int) int {
	for i := 0; i < count; i++ {
		fi, err := os.Stat(ChunkName(base, i))
		if err != nil || !fi.Mode().IsRegular() {
			return i
		}
	}
	return -1
}

// Discover counts the contiguous chunk files present on disk, starting at
// index 0.
func Discover(base string) int {
	n := 0
	for n < MaxChunks {
		if _, err := os.Stat(ChunkName(base, n)); err != nil {
			break
		}
		n++
	}
	return n
}

// DataFiles returns the files that hold an image's stored bytes, in order.
func DataFiles(base string, chunked bool, count int) []string {
	if chunked {
		return Chunks(base, count)
	}
	return []string{base}
}

// Usage returns the apparent and allocated sizes of the given files;
// missing files are skipped.
func Usage(files []string) (size, allocated int64) {
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		size += fi.Size()
		allocated += allocatedBytes(fi)
	}
	return size, allocated
}
