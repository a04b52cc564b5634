// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage keeps offsite copies of images in Google Cloud Storage.
// Every file of an image (data files, descriptor, checksum and parity
// files) is stored as one object named <prefix>/<basename>.
package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/util"
)

// Maximum number of concurrent uploads or downloads.
const maxTransfers = 4

var (
	ErrExists   = errors.New("object already exists")
	ErrNoBucket = errors.New("no bucket configured")
)

type GCSOptions struct {
	Bucket  string
	Project string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional storage class for stored objects; the bucket's default
	// is used if empty.
	StorageClass string
	// Optional JSON API endpoint, e.g. "http://localhost:4443/storage/v1/"
	// for an emulator. No credentials are sent to it.
	Endpoint string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// GCS stores image files in a Google Cloud Storage bucket.
type GCS struct {
	Log *util.Logger

	client       *gcs.Client
	bucket       *gcs.BucketHandle
	name         string
	storageClass string
	up, down     *rate.Limiter
}

// NewGCS connects to the bucket named in options, creating it if it
// doesn't exist.
func NewGCS(ctx context.Context, options GCSOptions, log *util.Logger) (*GCS, error) {
	if options.Bucket == "" {
		return nil, ErrNoBucket
	}
	var opts []option.ClientOption
	if options.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(options.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g := &GCS{
		Log:          log,
		client:       client,
		bucket:       client.Bucket(options.Bucket),
		name:         options.Bucket,
		storageClass: options.StorageClass,
		up:           newLimiter(options.MaxUploadBytesPerSecond),
		down:         newLimiter(options.MaxDownloadBytesPerSecond),
	}

	if _, err := g.bucket.Attrs(ctx); errors.Is(err, gcs.ErrBucketNotExist) {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.Project == "" {
			client.Close()
			return nil, fmt.Errorf("%s: bucket doesn't exist and no project given to create it",
				options.Bucket)
		}
		log.Verbose("%s: creating bucket @ %s", options.Bucket, loc)
		if err := g.bucket.Create(ctx, options.Project, &gcs.BucketAttrs{Location: loc}); err != nil {
			client.Close()
			return nil, err
		}
	} else if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.name
}

func (g *GCS) Close() error {
	return g.client.Close()
}

// ObjectName returns the name of the object that stores the local file
// p under prefix.
func ObjectName(prefix, p string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return filepath.Base(p)
	}
	return path.Join(prefix, filepath.Base(p))
}

func (g *GCS) retry(ctx context.Context, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || errors.Is(err, ErrExists) ||
			ctx.Err() != nil {
			return err
		}

		// Possibly temporary error; sleep and retry.
		g.Log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-time.After(time.Duration(100*(tries+1)) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Push

// Push uploads files under prefix. Existing objects are never
// overwritten.
func (g *GCS) Push(ctx context.Context, files []string, prefix string) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxTransfers)
	for _, f := range files {
		f := f
		name := ObjectName(prefix, f)
		eg.Go(func() error {
			err := g.retry(ctx, name, func() error { return g.upload(ctx, name, f) })
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *GCS) upload(ctx context.Context, name, fn string) error {
	// Using Object.If(storage.Conditions{DoesNotExist:true}) ends up
	// uploading the entire file contents before catching the "oh, it
	// already exists" error upon Close(). Checking for existence by
	// grabbing the attrs is much more efficient.
	obj := g.bucket.Object(name)
	if _, err := obj.Attrs(ctx); err == nil {
		return ErrExists
	} else if !errors.Is(err, gcs.ErrObjectNotExist) {
		return err
	}

	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)
	g.Log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	crc := crc32.New(castagnoliTable)
	r := &util.ReportingReader{
		R:   io.TeeReader(limitReader(ctx, f, g.up), crc),
		Msg: name,
		Log: g.Log,
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	r.Close()

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		return fmt.Errorf("%s: CRC32C mismatch. Local: %d, GCS: %d", tmpName, local, remote)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = g.storageClass
	copier.ContentType = "application/octet-stream"
	_, err = copier.Run(ctx)
	return err
}

///////////////////////////////////////////////////////////////////////////
// Fetch

// Fetch downloads the image whose base name is name from under prefix
// into dir: the descriptor first, then the data files it names and the
// checksum file, if there is one. It returns the local image base.
// Existing local files are never overwritten.
func (g *GCS) Fetch(ctx context.Context, prefix, name, dir string) (string, error) {
	base := filepath.Join(dir, filepath.Base(name))
	sidecar := layout.Sidecar(base)
	if err := g.download(ctx, ObjectName(prefix, sidecar), sidecar); err != nil {
		return "", err
	}
	d, err := metadata.Load(base)
	if err != nil {
		return "", err
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(maxTransfers)
	for _, f := range d.Files(base) {
		f := f
		eg.Go(func() error {
			return g.download(ectx, ObjectName(prefix, f), f)
		})
	}
	if err := eg.Wait(); err != nil {
		return base, err
	}

	sum := layout.ChecksumFile(base)
	if err := g.download(ctx, ObjectName(prefix, sum), sum); err != nil &&
		!errors.Is(err, gcs.ErrObjectNotExist) {
		return base, err
	}
	return base, nil
}

func (g *GCS) download(ctx context.Context, name, fn string) error {
	g.Log.Debug("%s: starting gcs download to %s", name, fn)
	if _, err := os.Lstat(fn); err == nil {
		return fmt.Errorf("%s: %w", fn, os.ErrExist)
	}

	return g.retry(ctx, name, func() error {
		r, err := g.bucket.Object(name).NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		tmp, err := os.CreateTemp(filepath.Dir(fn), filepath.Base(fn)+".tmp*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())

		rr := &util.ReportingReader{R: limitReader(ctx, r, g.down), Msg: name, Log: g.Log}
		if _, err := io.Copy(tmp, rr); err != nil {
			tmp.Close()
			return err
		}
		rr.Close()
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), fn)
	})
}

///////////////////////////////////////////////////////////////////////////
// List

// Remote describes an image stored in the bucket.
type Remote struct {
	Name    string // image base name
	Created time.Time
}

// List returns the images stored under prefix, identified by their
// descriptors.
func (g *GCS) List(ctx context.Context, prefix string) ([]Remote, error) {
	q := &gcs.Query{}
	if p := strings.Trim(prefix, "/"); p != "" {
		q.Prefix = p + "/"
	}

	var images []Remote
	it := g.bucket.Objects(ctx, q)
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return images, nil
		} else if err != nil {
			return nil, err
		}
		if name, ok := imageName(obj.Name); ok {
			images = append(images, Remote{Name: name, Created: obj.Created})
		}
	}
}

// imageName returns the image base name for a descriptor object.
func imageName(object string) (string, bool) {
	base := path.Base(object)
	if !strings.HasSuffix(base, layout.SidecarExt) {
		return "", false
	}
	return strings.TrimSuffix(base, layout.SidecarExt), true
}
