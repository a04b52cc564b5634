// metadata/metadata.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metadata reads and writes the JSON descriptor stored next to
// every image, and the sha256sum-style checksum file.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/layout"
)

// ToolVersion is written into every descriptor.
const ToolVersion = "1.0"

// Descriptor records everything needed to restore an image safely.
type Descriptor struct {
	ToolVersion           string          `json:"tool_version"`
	Timestamp             int64           `json:"timestamp"`
	Device                string          `json:"device"`
	Filesystem            string          `json:"filesystem"`
	Backend               string          `json:"backend" validate:"required"`
	Compression           string          `json:"compression" validate:"omitempty,codec"`
	PartitionSizeBytes    int64           `json:"partition_size_bytes" validate:"gt=0"`
	ImageFilename         string          `json:"image_filename"`
	ImageChecksumSHA256   string          `json:"image_checksum_sha256" validate:"omitempty,sha256hex"`
	Chunked               bool            `json:"chunked"`
	ChunkSizeMB           int             `json:"chunk_size_mb" validate:"gte=0"`
	ChunkCount            int             `json:"chunk_count" validate:"gte=0"`
	SourceDisk            string          `json:"source_disk"`
	SourcePartitionLayout json.RawMessage `json:"source_partition_layout"`
	Notes                 string          `json:"notes"`
}

// Files returns the data files of the image whose base path is base.
func (d *Descriptor) Files(base string) []string {
	return layout.DataFiles(base, d.Chunked, d.ChunkCount)
}

var (
	ErrNotFound = errors.New("no image descriptor")
	ErrExists   = errors.New("image descriptor already exists")
)

// Problem is one reason a descriptor was rejected.
type Problem struct {
	Field  string // JSON field name, or "document"
	Reason string
}

// InvalidError lists every problem found in a descriptor.
type InvalidError struct {
	Path     string
	Problems []Problem
}

func (e *InvalidError) Error() string {
	var s []string
	for _, p := range e.Problems {
		s = append(s, p.Field+": "+p.Reason)
	}
	return fmt.Sprintf("%s: invalid descriptor (%s)", e.Path, strings.Join(s, "; "))
}

// Fields returns the names of the offending fields.
func (e *InvalidError) Fields() []string {
	var f []string
	for _, p := range e.Problems {
		f = append(f, p.Field)
	}
	return f
}

var (
	validate = validator.New()
	hexRE    = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("sha256hex", func(fl validator.FieldLevel) bool {
		return ValidDigest(fl.Field().String())
	})
	_ = validate.RegisterValidation("codec", func(fl validator.FieldLevel) bool {
		return codec.Known(fl.Field().String())
	})
}

// ValidDigest reports whether s is 64 lowercase hex characters.
func ValidDigest(s string) bool {
	return hexRE.MatchString(s)
}

// Validate checks d and returns an *InvalidError naming each bad field.
func (d *Descriptor) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ie := &InvalidError{}
	for _, fe := range verrs {
		ie.Problems = append(ie.Problems, Problem{Field: fe.Field(), Reason: reason(fe)})
	}
	return ie
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing"
	case "gt":
		return "missing or zero"
	case "gte":
		return "negative"
	case "sha256hex":
		return "not 64 lowercase hex characters"
	case "codec":
		return fmt.Sprintf("unknown compression %q (want one of %s)", fe.Value(),
			strings.Join(codec.Names(), ", "))
	}
	return "failed " + fe.Tag()
}

// Sizer reports the byte capacity of a block device.
type Sizer interface {
	SizeBytes(device string) (int64, error)
}

// Store writes descriptors. The partition size is always taken from the
// device itself rather than from the caller.
type Store struct {
	Sizer Sizer
}

// Write creates the descriptor for the image at base. It refuses to
// replace an existing one and never leaves a partial file behind.
func (s Store) Write(base string, d Descriptor) (Descriptor, error) {
	path := layout.Sidecar(base)
	if _, err := os.Lstat(path); err == nil {
		return d, fmt.Errorf("%s: %w", path, ErrExists)
	}

	size, err := s.Sizer.SizeBytes(d.Device)
	if err != nil {
		return d, fmt.Errorf("%s: querying size: %w", d.Device, err)
	}
	d.PartitionSizeBytes = size
	d.ToolVersion = ToolVersion
	if d.ImageFilename == "" {
		d.ImageFilename = filepath.Base(base)
	}
	if d.Compression == "" {
		d.Compression = codec.Default
	}
	if len(d.SourcePartitionLayout) == 0 {
		d.SourcePartitionLayout = json.RawMessage("null")
	}
	if err := d.Validate(); err != nil {
		if ie, ok := err.(*InvalidError); ok {
			ie.Path = path
		}
		return d, err
	}

	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return d, err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return d, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return d, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return d, err
	}
	if err := tmp.Close(); err != nil {
		return d, err
	}
	if err := os.Chmod(tmp.Name(), 0444); err != nil {
		return d, err
	}
	return d, os.Rename(tmp.Name(), path)
}

// Load reads and validates the descriptor of the image at base.
func Load(base string) (Descriptor, error) {
	var d Descriptor
	path := layout.Sidecar(base)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return d, err
	}

	if err := json.Unmarshal(b, &d); err != nil {
		return d, &InvalidError{Path: path, Problems: []Problem{{Field: "document", Reason: err.Error()}}}
	}
	if d.Compression == "" {
		d.Compression = codec.Default
	}
	if err := d.Validate(); err != nil {
		if ie, ok := err.(*InvalidError); ok {
			ie.Path = path
		}
		return d, err
	}
	return d, nil
}

// ReadChecksumFile returns the digest from a sha256sum-style file.
func ReadChecksumFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f := strings.Fields(string(b))
	if len(f) == 0 {
		return "", fmt.Errorf("%s: empty checksum file", path)
	}
	if !ValidDigest(f[0]) {
		return "", fmt.Errorf("%s: malformed digest %q", path, f[0])
	}
	return f[0], nil
}

// WriteChecksumFile writes "<digest>  <name>\n", the format sha256sum -c
// accepts.
func WriteChecksumFile(path, digest, name string) error {
	if !ValidDigest(digest) {
		return fmt.Errorf("malformed digest %q", digest)
	}
	return os.WriteFile(path, []byte(digest+"  "+name+"\n"), 0644)
}
