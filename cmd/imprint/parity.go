// cmd/imprint/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/rdso"
)

// imageFiles returns an image's base and data files, from its descriptor
// if it has one and from what's on disk otherwise.
func imageFiles(image string) (string, []string, error) {
	base := layout.Base(image)
	d, err := metadata.Load(base)
	if err == nil {
		return base, d.Files(base), nil
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return base, nil, err
	}

	log.Warning("%s: no descriptor; using the files on disk", base)
	if n := layout.Discover(base); n > 0 {
		return base, layout.Chunks(base, n), nil
	}
	if _, err := os.Stat(base); err != nil {
		return base, nil, err
	}
	return base, []string{base}, nil
}

var protectFlags = rdso.DefaultParams()

var protectCmd = &cobra.Command{
	Use:   "protect image...",
	Short: "Write Reed-Solomon parity files for images",
	Long: `Write a <file>.rs parity file next to every data file of each image. Each
file is processed in segments of data-shards*hash-rate bytes; up to
parity-shards damaged shards per segment can later be repaired.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, image := range args {
			_, files, err := imageFiles(image)
			if err != nil {
				return err
			}
			rs, err := rdso.ProtectImage(files, protectFlags, log)
			if err != nil {
				return err
			}
			for _, f := range rs {
				log.Print("%s", f)
			}
		}
		return nil
	},
}

func init() {
	f := protectCmd.Flags()
	f.IntVar(&protectFlags.DataShards, "data-shards", rdso.DefaultDataShards, "Data shards per segment")
	f.IntVar(&protectFlags.ParityShards, "parity-shards", rdso.DefaultParityShards, "Parity shards per segment")
	f.IntVar(&protectFlags.HashRate, "hash-rate", rdso.DefaultHashRate, "Bytes per shard")
}

var repairCheckOnly bool

var repairCmd = &cobra.Command{
	Use:   "repair image...",
	Short: "Check images against their parity files and repair damage",
	Long: `Check every data file of each image against its parity file. Damaged
files are reconstructed into <file>.recovered (and their parity into
<file>.rs.recovered); the originals are left untouched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, image := range args {
			base, files, err := imageFiles(image)
			if err != nil {
				return err
			}
			if repairCheckOnly {
				n, err := rdso.CheckImage(files, log)
				if err != nil {
					return fmt.Errorf("%s: %w", base, err)
				}
				log.Print("%s: %d files OK", base, n)
				continue
			}

			recovered, err := rdso.RepairImage(files, log)
			if err != nil {
				return fmt.Errorf("%s: %w", base, err)
			}
			if len(recovered) == 0 {
				log.Print("%s: no damage found", base)
			}
			for _, f := range recovered {
				log.Print("%s: repaired", f)
			}
		}
		return nil
	},
}

func init() {
	repairCmd.Flags().BoolVar(&repairCheckOnly, "check", false, "Only check; don't write repaired files")
}
