// imaging/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package imaging

import (
	"context"
	"fmt"
	"time"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/pipeline"
)

type RestoreRequest struct {
	// Image is the image base path or any of its chunks.
	Image  string
	Device string
	// Bypass skips the confirmation prompt.
	Bypass bool
}

type RestoreResult struct {
	Base       string
	Descriptor metadata.Descriptor
	// Verified is set when the streamed digest matched the descriptor.
	Verified    bool
	StoredBytes int64
	Duration    time.Duration
}

// Restore writes an image back onto a device. Nothing is run until the
// descriptor, chunk set and target have all been checked and the
// overwrite confirmed. A failed restore leaves the target in an unknown
// state; there is no rollback.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	const op = "restore"
	var res RestoreResult
	start := e.now()

	if req.Image == "" {
		return res, errorf(ArgumentError, op, "no image given")
	}
	if req.Device == "" {
		return res, errorf(ArgumentError, op, "no target device given")
	}

	base := layout.Base(req.Image)
	res.Base = base
	desc, loadErr := metadata.Load(base)
	check := RestoreCheck{
		Base:       base,
		Descriptor: desc,
		LoadErr:    loadErr,
		Target:     req.Device,
		Exists:     e.Inventory.Exists,
		Capacity:   e.Inventory.SizeBytes,
		Mountpoint: e.Inventory.Mountpoint,
	}
	if err := check.Validate(); err != nil {
		return res, err
	}
	res.Descriptor = desc

	elev, err := e.elevation(op)
	if err != nil {
		return res, err
	}

	g := pipeline.BuildRestore(pipeline.RestoreSpec{
		Device:    req.Device,
		Backend:   desc.Backend,
		Codec:     e.resolve(desc.Compression),
		Files:     desc.Files(base),
		Chunked:   desc.Chunked,
		Elevation: elev,
	})
	r := e.runner()
	if err := r.Check(g); err != nil {
		return res, newError(PipelineError, op, err)
	}

	q := fmt.Sprintf("Restore %s (%s, %s) onto %s? Everything on %s will be overwritten.",
		base, desc.Filesystem, desc.Backend, req.Device, req.Device)
	if err := Confirm(e.Prompter, e.Options.Unattended, req.Bypass, q); err != nil {
		return res, err
	}

	e.Log.Verbose("restoring %s onto %s", base, req.Device)
	out, err := r.Run(ctx, g)
	res.StoredBytes = out.Bytes[pipeline.MonitorStored]
	res.Duration = e.now().Sub(start)
	if err != nil {
		e.Log.Error("%s: restore failed; its contents are now undefined", req.Device)
		return res, newError(PipelineError, op, err)
	}

	switch {
	case desc.ImageChecksumSHA256 == "":
		e.Log.Warning("%s: descriptor has no checksum; restore not verified", base)
	case out.Digest == "":
		e.Log.Warning("%s: no checksum computed during restore; restore not verified", base)
	case out.Digest != desc.ImageChecksumSHA256:
		return res, newError(MetadataError, op, fmt.Errorf("%s: %w: streamed %s, descriptor %s",
			base, ErrChecksumMismatch, out.Digest, desc.ImageChecksumSHA256))
	default:
		res.Verified = true
	}
	return res, nil
}
