// imaging/validate.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package imaging

import (
	"errors"
	"fmt"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/ui"
)

// RestoreCheck holds everything needed to decide whether an image may be
// written to a device. Validate runs no processes.
type RestoreCheck struct {
	Base       string
	Descriptor metadata.Descriptor
	// LoadErr is what metadata.Load returned.
	LoadErr error
	Target  string

	// FirstMissing is layout.FirstMissing if nil.
	FirstMissing func(base string, count int) int
	Exists       func(dev string) bool
	Capacity     func(dev string) (int64, error)
	// Mountpoint may be nil.
	Mountpoint func(dev string) (string, error)
}

// Validate returns nil if the restore may go ahead, pending confirmation.
func (c RestoreCheck) Validate() error {
	const op = "restore"

	// No descriptor, no restore.
	if c.LoadErr != nil {
		return newError(MetadataError, op, c.LoadErr)
	}
	d := c.Descriptor
	if err := d.Validate(); err != nil {
		return newError(MetadataError, op, err)
	}

	if d.Chunked {
		if d.ChunkCount <= 0 {
			return errorf(MetadataError, op, "%s: chunked image with chunk_count %d", c.Base, d.ChunkCount)
		}
		firstMissing := c.FirstMissing
		if firstMissing == nil {
			firstMissing = layout.FirstMissing
		}
		if i := firstMissing(c.Base, d.ChunkCount); i >= 0 {
			return newError(DeviceError, op, &MissingChunkError{Index: i, Path: layout.ChunkName(c.Base, i)})
		}
	}

	if c.Exists == nil || !c.Exists(c.Target) {
		return errorf(DeviceError, op, "%s: target device does not exist", c.Target)
	}
	if c.Mountpoint != nil {
		mp, err := c.Mountpoint(c.Target)
		if err != nil {
			return newError(DeviceError, op, err)
		}
		if mp != "" {
			return errorf(DeviceError, op, "%s is mounted at %s", c.Target, mp)
		}
	}
	have, err := c.Capacity(c.Target)
	if err != nil {
		return newError(DeviceError, op, fmt.Errorf("%s: %w", c.Target, err))
	}
	if have < d.PartitionSizeBytes {
		return newError(DeviceError, op, &CapacityError{Target: c.Target, Have: have, Need: d.PartitionSizeBytes})
	}
	return nil
}

// Confirm gets permission to overwrite a device. bypass (--yes) skips the
// question; otherwise the prompter must answer yes, whether or not the
// run is unattended.
func Confirm(p ui.Prompter, unattended, bypass bool, question string) error {
	if bypass {
		return nil
	}
	if p == nil {
		if unattended {
			return errorf(ArgumentError, "restore", "unattended restore needs explicit confirmation (--yes)")
		}
		return errorf(ArgumentError, "restore", "no way to ask for confirmation")
	}
	ok, err := p.Confirm(question)
	if err != nil {
		if errors.Is(err, ui.ErrNoTerminal) {
			return errorf(ArgumentError, "restore", "%v; pass --yes to confirm", err)
		}
		return newError(ArgumentError, "restore", err)
	}
	if !ok {
		return newError(ArgumentError, "restore", ErrDeclined)
	}
	return nil
}
