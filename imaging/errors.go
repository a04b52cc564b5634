// imaging/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package imaging

import (
	"errors"
	"fmt"
)

// Kind classifies failures; each maps to a process exit code.
type Kind int

const (
	Other Kind = iota
	ArgumentError
	PrivilegeError
	DeviceError
	PipelineError
	MetadataError
)

func (k Kind) String() string {
	switch k {
	case ArgumentError:
		return "argument error"
	case PrivilegeError:
		return "privilege error"
	case DeviceError:
		return "device error"
	case PipelineError:
		return "pipeline error"
	case MetadataError:
		return "metadata error"
	}
	return "error"
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is an error of a known Kind from operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func newError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func errorf(k Kind, op, f string, args ...interface{}) *Error {
	return newError(k, op, fmt.Errorf(f, args...))
}

// KindOf returns the Kind of err, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// ExitCode maps err to the status the command line tools exit with.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ArgumentError:
		return 2
	case PrivilegeError:
		return 3
	case DeviceError:
		return 4
	case PipelineError:
		return 5
	case MetadataError:
		return 6
	}
	return 1
}

var (
	ErrDeclined         = errors.New("restore declined")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// MissingChunkError names the first absent chunk of a chunked image.
type MissingChunkError struct {
	Index int
	Path  string
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %03d missing (%s)", e.Index, e.Path)
}

// CapacityError reports a target smaller than the captured partition.
type CapacityError struct {
	Target     string
	Have, Need int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s holds %d bytes but the image needs %d", e.Target, e.Have, e.Need)
}

// DirtyFilesystemHint is printed when a capture fails.
const DirtyFilesystemHint = `The imaging backend reported an error. The most common cause is a dirty
or inconsistent source filesystem. No image was kept.

Check the filesystem while it is unmounted (fsck for Linux filesystems;
for NTFS, boot Windows and run "chkdsk /f") and try again.`
