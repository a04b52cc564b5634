// cmd/imprint/image.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/imaging"
	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/metrics"
	"github.com/mmp/imprint/sniff"
	u "github.com/mmp/imprint/util"
)

///////////////////////////////////////////////////////////////////////////
// backup

var backupFlags struct {
	source, target, compress, notes string
	chunk                           int
}

var backupCmd = &cobra.Command{
	Use:   "backup [source target]",
	Short: "Capture a partition into an image",
	Long: `Capture the source partition into an image. If target is an existing
directory, the image is named <device>_<fstype>.img.<ext> inside it;
otherwise .img.<ext> is appended to target. With --chunk N the image is
split into N MiB chunk files <image>.000, <image>.001, ...`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := &backupFlags
		if len(args) > 0 {
			f.source = args[0]
		}
		if len(args) > 1 {
			f.target = args[1]
		}
		if f.target == "" && cfg.BackupDir != "" {
			f.target = cfg.BackupDir + "/"
		}
		if !cmd.Flags().Changed("compress") {
			f.compress = cfg.Compression
		}
		if !cmd.Flags().Changed("chunk") {
			f.chunk = cfg.ChunkSizeMB
		}

		e := newEngine()
		start := time.Now()
		res, err := e.Backup(cmd.Context(), imaging.BackupRequest{
			Device:      f.source,
			Target:      f.target,
			Compression: f.compress,
			ChunkMB:     f.chunk,
			Notes:       f.notes,
		})
		recordRun(metrics.Run{
			Op:          "backup",
			Device:      f.source,
			Success:     err == nil,
			Start:       start,
			Duration:    time.Since(start),
			StoredBytes: res.StoredBytes,
		})
		if err != nil {
			return err
		}

		log.Print("Image:      %s", res.Base)
		if n := len(res.Files); n > 1 || res.Descriptor.Chunked {
			log.Print("Chunks:     %d", n)
		}
		log.Print("Stored:     %s (%s allocated)", u.FmtBytes(res.StoredBytes),
			u.FmtBytes(res.AllocatedBytes))
		log.Print("Captured:   %s in %s [%s/s]", u.FmtBytes(res.CaptureBytes),
			res.Duration.Round(time.Second), u.FmtBytes(res.Throughput))
		log.Print("SHA-256:    %s", res.Descriptor.ImageChecksumSHA256)
		if res.FIFOFallback {
			log.Verbose("checksum FIFO was created in %s", cfg.WorkDir)
		}

		if interactive() {
			cfg.BackupDir = filepath.Dir(res.Base)
			if err := cfg.Save(); err != nil {
				log.Warning("saving configuration: %s", err)
			}
		}
		return nil
	},
}

func init() {
	f := backupCmd.Flags()
	f.StringVar(&backupFlags.source, "source", "", "Partition to capture (e.g. /dev/sda1)")
	f.StringVar(&backupFlags.target, "target", "", "Image path or existing directory")
	f.StringVar(&backupFlags.compress, "compress", codec.Default,
		fmt.Sprintf("Compression (%v)", codec.Names()))
	f.IntVar(&backupFlags.chunk, "chunk", 0, "Chunk size in MiB; 0 writes a single file")
	f.StringVar(&backupFlags.notes, "notes", "", "Free-form notes stored in the descriptor")
}

///////////////////////////////////////////////////////////////////////////
// restore

var restoreFlags struct {
	image, target string
	yes           bool
}

var restoreCmd = &cobra.Command{
	Use:   "restore [image target]",
	Short: "Write an image back onto a partition",
	Long: `Restore an image onto the target partition, overwriting it. The image's
descriptor, chunk files and the target's capacity are checked before anything
is written, and the operator is asked to confirm unless --yes is given.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := &restoreFlags
		if len(args) > 0 {
			f.image = args[0]
		}
		if len(args) > 1 {
			f.target = args[1]
		}

		e := newEngine()
		start := time.Now()
		res, err := e.Restore(cmd.Context(), imaging.RestoreRequest{
			Image:  f.image,
			Device: f.target,
			Bypass: f.yes,
		})
		recordRun(metrics.Run{
			Op:          "restore",
			Device:      f.target,
			Success:     err == nil,
			Start:       start,
			Duration:    time.Since(start),
			StoredBytes: res.StoredBytes,
		})
		if errors.Is(err, imaging.ErrDeclined) {
			log.Print("Restore cancelled.")
			return nil
		} else if err != nil {
			return err
		}

		log.Print("Restored %s onto %s: %s in %s", res.Base, f.target,
			u.FmtBytes(res.StoredBytes), res.Duration.Round(time.Second))
		if res.Verified {
			log.Print("Checksum verified.")
		}
		return nil
	},
}

func init() {
	f := restoreCmd.Flags()
	f.StringVar(&restoreFlags.image, "image", "", "Image to restore (base path or any chunk)")
	f.StringVar(&restoreFlags.target, "target", "", "Partition to overwrite")
	f.BoolVarP(&restoreFlags.yes, "yes", "y", false, "Don't ask for confirmation")
}

///////////////////////////////////////////////////////////////////////////
// sniff

var sniffCmd = &cobra.Command{
	Use:   "sniff image...",
	Short: "Guess an image's compression, backend and geometry from its bytes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			data := path
			if _, err := os.Stat(data); errors.Is(err, os.ErrNotExist) {
				// A chunked image named by its base.
				if _, err := os.Stat(layout.ChunkName(path, 0)); err == nil {
					data = layout.ChunkName(path, 0)
				}
			}

			res, err := sniff.Sniff(data)
			if err != nil {
				return err
			}
			if len(args) > 1 {
				log.Print("%s:", path)
			}
			log.Print("%s", res.Describe())
			log.Print("descriptor:  %s", descriptorStatus(layout.Base(data)))
		}
		return nil
	},
}

func descriptorStatus(base string) string {
	_, err := metadata.Load(base)
	var inv *metadata.InvalidError
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, metadata.ErrNotFound):
		return "none"
	case errors.As(err, &inv):
		return fmt.Sprintf("invalid (%v)", inv.Fields())
	default:
		return err.Error()
	}
}

///////////////////////////////////////////////////////////////////////////
// verify

var verifyCmd = &cobra.Command{
	Use:   "verify image...",
	Short: "Recompute an image's checksum and compare it to its descriptor",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := newEngine()
		var failed error
		nfailed := 0
		for _, image := range args {
			res, err := e.Verify(image)
			if err != nil {
				log.Error("%s", err)
				failed = err
				nfailed++
				continue
			}
			log.Print("%s: OK (%s, %s)", res.Base, u.FmtBytes(res.Bytes), res.Digest)
		}
		if nfailed > 1 {
			return fmt.Errorf("%d images failed verification: %w", nfailed, failed)
		}
		return failed
	},
}
