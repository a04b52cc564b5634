// sniff/sniff.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package sniff recovers what it can about an image directly from its
// bytes, for use when the descriptor is gone. Nothing it returns is
// authoritative.
package sniff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mmp/imprint/layout"
	"github.com/pierrec/lz4/v4"
)

const (
	Unknown = "unknown"

	// At most this much of the stream is decompressed.
	windowSize = 64 * 1024
	// Filesystem tokens are looked for in this prefix of the stream.
	headerRegion = 128
	// Numbers are looked for in this many bytes following the token.
	geometryWindow = 128
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}

	backendMagic = []byte("partclon")
)

// Filesystem name tokens as they appear in backend headers, in the order
// they are tried.
var tokens = []struct {
	token, backend string
}{
	{"BTRFS", "partclone.btrfs"},
	{"EXT4", "partclone.extfs"},
	{"EXT3", "partclone.extfs"},
	{"EXT2", "partclone.extfs"},
	{"EXTFS", "partclone.extfs"},
	{"XFS", "partclone.xfs"},
	{"NTFS", "partclone.ntfs"},
	{"EXFAT", "partclone.exfat"},
	{"FAT32", "partclone.fat"},
	{"FAT16", "partclone.fat"},
	{"FAT12", "partclone.fat"},
	{"F2FS", "partclone.f2fs"},
}

// Geometry is a guess at the captured filesystem's size, found by looking
// for plausible numbers near the filesystem token.
type Geometry struct {
	BlockSize   uint32
	TotalBlocks uint32
	UsedBlocks  uint32
	// Verified is always false: the header is not actually parsed.
	Verified bool
}

func (g *Geometry) FSBytes() int64   { return int64(g.BlockSize) * int64(g.TotalBlocks) }
func (g *Geometry) UsedBytes() int64 { return int64(g.BlockSize) * int64(g.UsedBlocks) }

// Result is what could be recovered from an image file. It is kept
// distinct from metadata.Descriptor so the two are never confused.
type Result struct {
	Path        string
	Compression string // zstd, lz4 or unknown
	Backend     string // backend executable or unknown
	Filesystem  string // lowercased token, or unknown
	Chunked     bool
	HeaderFound bool
	Geometry    *Geometry
}

// Sniff examines the image (or chunk) at path.
func Sniff(path string) (Result, error) {
	r := Result{
		Path:        path,
		Compression: Unknown,
		Backend:     Unknown,
		Filesystem:  Unknown,
	}
	_, r.Chunked = layout.ChunkIndex(path)

	f, err := os.Open(path)
	if err != nil {
		return r, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return r, fmt.Errorf("%s: reading magic: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return r, err
	}

	var header []byte
	switch {
	case bytes.Equal(magic[:], zstdMagic):
		r.Compression = "zstd"
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return r, err
		}
		header, err = readWindow(dec)
		dec.Close()
		if err != nil {
			return r, fmt.Errorf("%s: zstd: %w", path, err)
		}
	case bytes.Equal(magic[:], lz4Magic):
		r.Compression = "lz4"
		header, err = readWindow(lz4.NewReader(f))
		if err != nil {
			return r, fmt.Errorf("%s: lz4: %w", path, err)
		}
	default:
		return r, nil
	}

	scanHeader(&r, header)
	return r, nil
}

// readWindow decompresses up to windowSize bytes. A truncated stream, as
// the first chunk of a chunked image always is, is fine as long as some
// output was produced.
func readWindow(r io.Reader) ([]byte, error) {
	buf := make([]byte, windowSize)
	n, err := io.ReadFull(r, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, errors.New("no data")
	}
	return nil, err
}

func scanHeader(r *Result, header []byte) {
	region := header
	if len(region) > headerRegion {
		region = region[:headerRegion]
	}
	if !bytes.Contains(region, backendMagic) {
		return
	}
	r.HeaderFound = true

	for _, t := range tokens {
		idx := bytes.Index(region, []byte(t.token))
		if idx < 0 {
			continue
		}
		r.Filesystem = strings.ToLower(t.token)
		r.Backend = t.backend
		r.Geometry = guessGeometry(header, idx+len(t.token))
		return
	}
}

// guessGeometry looks at 4-byte aligned little-endian words following the
// token for a power of two block size, a repeated value taken as the total
// block count, and the largest value below that as the used count.
func guessGeometry(header []byte, start int) *Geometry {
	if rem := start % 4; rem != 0 {
		start += 4 - rem
	}
	end := start + geometryWindow
	if end > len(header) {
		end = len(header)
	}
	var words []uint32
	for off := start; off+4 <= end; off += 4 {
		words = append(words, binary.LittleEndian.Uint32(header[off:]))
	}

	g := &Geometry{}
	bsIndex := -1
	for i, w := range words {
		if w >= 512 && w <= 65536 && w&(w-1) == 0 {
			g.BlockSize, bsIndex = w, i
			break
		}
	}
	if bsIndex < 0 {
		return nil
	}

	counts := make(map[uint32]int)
	for i, w := range words {
		if i != bsIndex && w != 0 {
			counts[w]++
		}
	}
	for i, w := range words {
		if i != bsIndex && w != 0 && w != g.BlockSize && counts[w] >= 2 {
			g.TotalBlocks = w
			break
		}
	}
	if g.TotalBlocks == 0 {
		return g
	}
	for i, w := range words {
		if i != bsIndex && w < g.TotalBlocks && w > g.UsedBlocks && w != g.BlockSize {
			g.UsedBlocks = w
		}
	}
	return g
}

// Describe renders r for people.
func (r Result) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compression: %s\n", r.Compression)
	fmt.Fprintf(&b, "backend:     %s\n", r.Backend)
	fmt.Fprintf(&b, "filesystem:  %s\n", r.Filesystem)
	fmt.Fprintf(&b, "chunked:     %v\n", r.Chunked)
	if g := r.Geometry; g != nil {
		fmt.Fprintf(&b, "block size:  %d (unverified)\n", g.BlockSize)
		if g.TotalBlocks != 0 {
			fmt.Fprintf(&b, "fs size:     %d bytes (unverified)\n", g.FSBytes())
			fmt.Fprintf(&b, "used:        %d bytes (unverified)\n", g.UsedBytes())
		}
	}
	return b.String()
}
