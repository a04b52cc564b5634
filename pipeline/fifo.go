// pipeline/fifo.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultWorkDir holds the FIFO when the image directory can't.
const DefaultWorkDir = "/tmp/imprint_work"

var fifoSeq atomic.Int64

// FIFOCapable reports whether a named pipe can be created in dir. Errors
// that mean "this filesystem doesn't do FIFOs" (read-only, unsupported,
// or the parameter and permission failures typical of network and
// non-POSIX filesystems) give false with a nil error.
func FIFOCapable(dir string) (bool, error) {
	probe := filepath.Join(dir, fmt.Sprintf(".imprint-probe-%d-%d", os.Getpid(), fifoSeq.Add(1)))
	err := unix.Mkfifo(probe, 0600)
	if err == nil {
		os.Remove(probe)
		return true, nil
	}
	if notCapable(err) {
		return false, nil
	}
	return false, fmt.Errorf("%s: probing for FIFO support: %w", dir, err)
}

func notCapable(err error) bool {
	for _, e := range []error{unix.EROFS, unix.ENOTSUP, unix.EOPNOTSUPP, unix.ENOSYS,
		unix.EINVAL, unix.EPERM, unix.EACCES} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// fifo is a named pipe with both ends open in this process.
type fifo struct {
	path string
	r, w *os.File
}

// openFIFO creates a FIFO in dir and opens it for reading and then for
// writing. Opening the read end non-blocking keeps either open from
// waiting for the other side.
func openFIFO(dir string) (*fifo, error) {
	path := filepath.Join(dir, fmt.Sprintf(".imprint-%d-%d.fifo", os.Getpid(), fifoSeq.Add(1)))
	if err := unix.Mkfifo(path, 0600); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// The consumer expects ordinary blocking reads.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r := os.NewFile(uintptr(fd), path)

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		r.Close()
		os.Remove(path)
		return nil, err
	}
	return &fifo{path: path, r: r, w: w}, nil
}

// closeEnds closes whatever ends this process still holds.
func (f *fifo) closeEnds() {
	if f.r != nil {
		f.r.Close()
		f.r = nil
	}
	if f.w != nil {
		f.w.Close()
		f.w = nil
	}
}

func (f *fifo) remove() error {
	f.closeEnds()
	return os.Remove(f.path)
}
