// cmd/imprint/mount.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only FUSE access to images: each image in a directory shows up as
// a single file holding its stored (compressed) bytes, chunks and all.

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
)

var mountCmd = &cobra.Command{
	Use:   "mount dir mountpoint",
	Short: "Expose the images in dir as single read-only files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openImages(args[0])
		if err != nil {
			return err
		}
		defer root.Close()

		go func() {
			<-cmd.Context().Done()
			if err := fuse.Unmount(args[1]); err != nil {
				log.Warning("%s: %s", args[1], err)
			}
		}()
		return mountFUSE(args[1], root)
	},
}

// mountFUSE serves root at dir until it is unmounted.
func mountFUSE(dir string, root *imageDir) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("imprint"),
		fuse.Subtype("imprintfs"),
		fuse.VolumeName("images"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := fs.Serve(conn, root); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

// imageDir is the root directory: one imageFile per image with a valid
// descriptor.
type imageDir struct {
	images []*imageFile
}

type imageFile struct {
	name  string
	mtime time.Time
	cs    *layout.ChunkSet
}

func openImages(dir string) (*imageDir, error) {
	sidecars, err := filepath.Glob(filepath.Join(dir, "*"+layout.SidecarExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(sidecars)

	root := &imageDir{}
	for _, sc := range sidecars {
		base := strings.TrimSuffix(sc, layout.SidecarExt)
		d, err := metadata.Load(base)
		if err != nil {
			log.Warning("%s: skipping: %s", sc, err)
			continue
		}
		cs, err := layout.OpenFiles(d.Files(base))
		if err != nil {
			log.Warning("%s: skipping: %s", base, err)
			continue
		}
		log.Verbose("%s: %d bytes", base, cs.Size())
		root.images = append(root.images, &imageFile{
			name:  filepath.Base(base),
			mtime: time.Unix(d.Timestamp, 0),
			cs:    cs,
		})
	}
	return root, nil
}

func (d *imageDir) Close() error {
	for _, im := range d.images {
		im.cs.Close()
	}
	return nil
}

// Root() should only be called with the root node passed to fs.Serve;
// since imageDir also implements the Node interfaces for a directory, we
// can just return it directly.
func (d *imageDir) Root() (fs.Node, error) {
	return d, nil
}

func (d *imageDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (d *imageDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, im := range d.images {
		if im.name == name {
			return im, nil
		}
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (d *imageDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, im := range d.images {
		de = append(de, fuse.Dirent{Name: im.name, Type: fuse.DT_File})
	}
	return de, nil
}

func (f *imageFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	a.Size = uint64(f.cs.Size())
	a.Mtime = f.mtime
	return nil
}

// Implements fuse.fs.HandleReader
func (f *imageFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := f.cs.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return err
	}
	resp.Data = buf[:n]
	return nil
}
