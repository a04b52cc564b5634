// layout/chunkset.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package layout

import (
	"errors"
	"io"
	"os"
	"sort"
)

// ChunkSet presents the ordered concatenation of an image's data files as
// a single read-only stream.
type ChunkSet struct {
	files   []*os.File
	offsets []int64 // offsets[i] is where files[i] starts; one extra entry for the end
}

// Open opens chunks [0, count) of the image at base.
func Open(base string, count int) (*ChunkSet, error) {
	return OpenFiles(Chunks(base, count))
}

// OpenFiles opens the given files, in order, as one ChunkSet.
func OpenFiles(paths []string) (*ChunkSet, error) {
	cs := &ChunkSet{offsets: []int64{0}}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			cs.Close()
			return nil, err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			cs.Close()
			return nil, err
		}
		cs.files = append(cs.files, f)
		cs.offsets = append(cs.offsets, cs.offsets[len(cs.offsets)-1]+fi.Size())
	}
	return cs, nil
}

// Size returns the total number of bytes in the set.
func (cs *ChunkSet) Size() int64 {
	return cs.offsets[len(cs.offsets)-1]
}

// ReadAt implements io.ReaderAt; reads may span chunk boundaries.
func (cs *ChunkSet) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("chunkset: negative offset")
	}
	if off >= cs.Size() {
		return 0, io.EOF
	}
	// First file whose end is beyond off.
	i := sort.Search(len(cs.files), func(i int) bool { return cs.offsets[i+1] > off })
	n := 0
	for n < len(p) && i < len(cs.files) {
		end := len(p)
		if remain := cs.offsets[i+1] - off; int64(end-n) > remain {
			end = n + int(remain)
		}
		m, err := cs.files[i].ReadAt(p[n:end], off-cs.offsets[i])
		n += m
		off += int64(m)
		if err != nil && err != io.EOF {
			return n, err
		}
		if off >= cs.offsets[i+1] {
			i++
		} else if m == 0 || err == io.EOF {
			// The file shrank underneath us.
			return n, io.ErrUnexpectedEOF
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Reader returns a sequential reader over the whole set.
func (cs *ChunkSet) Reader() io.Reader {
	return io.NewSectionReader(cs, 0, cs.Size())
}

func (cs *ChunkSet) Close() error {
	var first error
	for _, f := range cs.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	cs.files = nil
	return first
}
