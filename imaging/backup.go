// imaging/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package imaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/imprint/backend"
	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/pipeline"
	"github.com/mmp/imprint/util"
)

type BackupRequest struct {
	Device string
	// Target is either an existing directory, in which case the image
	// gets a default name, or a path that ".img.<ext>" is appended to.
	Target      string
	Compression string
	ChunkMB     int
	Notes       string
}

type BackupResult struct {
	Base       string
	Files      []string
	Descriptor metadata.Descriptor
	// CaptureBytes is what the backend produced; StoredBytes and
	// AllocatedBytes describe the image files on disk.
	CaptureBytes   int64
	StoredBytes    int64
	AllocatedBytes int64
	Duration       time.Duration
	// Throughput is capture bytes per second.
	Throughput   int64
	FIFOFallback bool
}

// Backup captures req.Device into a new image.
func (e *Engine) Backup(ctx context.Context, req BackupRequest) (BackupResult, error) {
	const op = "backup"
	var res BackupResult
	start := e.now()

	switch {
	case req.Device == "":
		return res, errorf(ArgumentError, op, "no source device given")
	case req.Target == "":
		return res, errorf(ArgumentError, op, "no target given")
	case !strings.Contains(req.Target, "/"):
		return res, errorf(ArgumentError, op, "%s: target must include a directory", req.Target)
	case req.ChunkMB < 0:
		return res, errorf(ArgumentError, op, "chunk size %d MB is negative", req.ChunkMB)
	case req.Compression != "" && !codec.Known(req.Compression):
		return res, errorf(ArgumentError, op, "unknown compression %q (want one of %s)",
			req.Compression, strings.Join(codec.Names(), ", "))
	}
	prof := e.resolve(req.Compression)

	if !e.Inventory.Exists(req.Device) {
		return res, errorf(DeviceError, op, "%s: source device does not exist", req.Device)
	}
	if mp, err := e.Inventory.Mountpoint(req.Device); err != nil {
		return res, newError(DeviceError, op, err)
	} else if mp != "" {
		return res, errorf(DeviceError, op, "%s is mounted at %s and cannot be captured", req.Device, mp)
	}
	fsType, err := e.Inventory.FilesystemType(req.Device)
	if err != nil {
		return res, newError(DeviceError, op, err)
	}
	be, err := backend.Resolve(fsType)
	if err != nil {
		return res, newError(DeviceError, op, err)
	}

	base, err := e.imageBase(req, fsType, prof)
	if err != nil {
		return res, err
	}
	res.Base = base

	elev, err := e.elevation(op)
	if err != nil {
		return res, err
	}

	g := pipeline.BuildCapture(pipeline.CaptureSpec{
		Device:    req.Device,
		Backend:   be,
		Codec:     prof,
		Base:      base,
		ChunkMB:   req.ChunkMB,
		Elevation: elev,
	})
	r := e.runner()
	if err := r.Check(g); err != nil {
		return res, newError(PipelineError, op, err)
	}

	e.Log.Verbose("capturing %s (%s) with %s into %s", req.Device, fsType, be, base)
	out, err := r.Run(ctx, g)
	res.FIFOFallback = out.Fallback
	if err != nil {
		e.removeImage(base)
		e.Log.Error("%s", DirtyFilesystemHint)
		return res, newError(PipelineError, op, err)
	}

	chunkCount := 0
	if req.ChunkMB > 0 {
		chunkCount = layout.Discover(base)
	}
	res.Files = layout.DataFiles(base, req.ChunkMB > 0, chunkCount)

	digest := out.Digest
	if digest == "" {
		e.Log.Warning("%s: checksum side channel produced nothing; recomputing", base)
		if digest, _, err = digestFiles(e.Log, res.Files); err != nil {
			e.removeImage(base)
			return res, newError(PipelineError, op, err)
		}
	}
	if err := metadata.WriteChecksumFile(layout.ChecksumFile(base), digest, filepath.Base(base)); err != nil {
		e.removeImage(base)
		return res, newError(MetadataError, op, err)
	}

	disk, err := e.Inventory.ParentDisk(req.Device)
	if err != nil {
		e.Log.Warning("%s: finding parent disk: %v", req.Device, err)
	}
	desc := metadata.Descriptor{
		Timestamp:           start.Unix(),
		Device:              req.Device,
		Filesystem:          fsType,
		Backend:             be,
		Compression:         prof.Name,
		ImageChecksumSHA256: digest,
		Chunked:             req.ChunkMB > 0,
		ChunkSizeMB:         req.ChunkMB,
		ChunkCount:          chunkCount,
		SourceDisk:          disk,
		Notes:               req.Notes,
	}
	if disk != "" {
		if desc.SourcePartitionLayout, err = e.Inventory.PartitionLayout(disk); err != nil {
			e.Log.Warning("%s: reading partition table: %v", disk, err)
		}
	}
	// Without a descriptor the image could never be restored.
	if desc, err = (metadata.Store{Sizer: e.Inventory}).Write(base, desc); err != nil {
		e.removeImage(base)
		return res, newError(MetadataError, op, err)
	}
	res.Descriptor = desc

	res.CaptureBytes = out.Bytes[pipeline.MonitorCapture]
	res.StoredBytes, res.AllocatedBytes = layout.Usage(res.Files)
	res.Duration = e.now().Sub(start)
	res.Throughput = util.Rate(res.CaptureBytes, res.Duration)
	return res, nil
}

// imageBase works out the image path and makes sure nothing is in the
// way.
func (e *Engine) imageBase(req BackupRequest, fsType string, prof codec.Profile) (string, error) {
	const op = "backup"
	var base string
	if fi, err := os.Stat(req.Target); err == nil && fi.IsDir() {
		base = filepath.Join(req.Target, layout.DefaultName(req.Device, fsType, prof.Ext))
	} else {
		if strings.HasSuffix(req.Target, "/") {
			return "", errorf(DeviceError, op, "%s: output directory does not exist", req.Target)
		}
		base = layout.Normalize(req.Target, prof.Ext)
		dir := filepath.Dir(base)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return "", errorf(DeviceError, op, "%s: output directory does not exist", dir)
		}
	}

	for _, p := range []string{base, layout.ChunkName(base, 0), layout.Sidecar(base)} {
		if _, err := os.Lstat(p); err == nil {
			return "", errorf(DeviceError, op, "%s already exists", p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", newError(DeviceError, op, err)
		}
	}
	return base, nil
}

// removeImage deletes whatever a failed capture left behind, chunks
// included: without a descriptor they could never be restored.
func (e *Engine) removeImage(base string) {
	files := []string{base, layout.ChecksumFile(base)}
	files = append(files, layout.Chunks(base, layout.Discover(base))...)
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.Log.Warning("%s: %v", f, err)
		}
	}
}
