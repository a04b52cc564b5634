// cmd/imprint/remote.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/storage"
)

var remotePrefix string

func openGCS(ctx context.Context) (*storage.GCS, string, error) {
	g := cfg.GCS
	prefix := g.Prefix
	if remotePrefix != "" {
		prefix = remotePrefix
	}
	s, err := storage.NewGCS(ctx, storage.GCSOptions{
		Bucket:                    g.Bucket,
		Project:                   g.Project,
		Location:                  g.Location,
		Endpoint:                  g.Endpoint,
		MaxUploadBytesPerSecond:   g.MaxUploadBytesPerSecond,
		MaxDownloadBytesPerSecond: g.MaxDownloadBytesPerSecond,
	}, log)
	return s, prefix, err
}

// uploadFiles returns all of the files of an image that exist: data,
// descriptor, checksum and parity.
func uploadFiles(image string) ([]string, error) {
	base, files, err := imageFiles(image)
	if err != nil {
		return nil, err
	}
	all := append([]string{}, files...)
	extra := []string{layout.Sidecar(base), layout.ChecksumFile(base)}
	for _, f := range files {
		extra = append(extra, layout.ParityFile(f))
	}
	for _, f := range extra {
		if _, err := os.Stat(f); err == nil {
			all = append(all, f)
		}
	}
	return all, nil
}

var pushCmd = &cobra.Command{
	Use:   "push image...",
	Short: "Copy images to Google Cloud Storage",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, prefix, err := openGCS(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		for _, image := range args {
			files, err := uploadFiles(image)
			if err != nil {
				return err
			}
			if err := s.Push(cmd.Context(), files, prefix); err != nil {
				return err
			}
			log.Print("%s: %d files pushed to %s", image, len(files), s)
		}
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch name [dir]",
	Short: "Download an image from Google Cloud Storage",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		s, prefix, err := openGCS(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		base, err := s.Fetch(cmd.Context(), prefix, args[0], dir)
		if err != nil {
			return err
		}
		log.Print("%s", base)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the images stored in Google Cloud Storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, prefix, err := openGCS(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		images, err := s.List(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		for _, im := range images {
			log.Print("%-50s %s", im.Name, im.Created.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{pushCmd, fetchCmd, listCmd} {
		c.Flags().StringVar(&remotePrefix, "prefix", "", "Object name prefix (default from configuration)")
	}
}
