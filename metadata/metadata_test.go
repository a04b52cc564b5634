// metadata/metadata_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package metadata

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/imprint/layout"
)

type sizes map[string]int64

func (s sizes) SizeBytes(dev string) (int64, error) {
	if n, ok := s[dev]; ok {
		return n, nil
	}
	return 0, os.ErrNotExist
}

const digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestWriteLoad(t *testing.T) {
	base := filepath.Join(t.TempDir(), "sda1_ext4.img.zst")
	st := Store{Sizer: sizes{"/dev/sda1": 1 << 30}}

	d, err := st.Write(base, Descriptor{
		Timestamp:             1700000000,
		Device:                "/dev/sda1",
		Filesystem:            "ext4",
		Backend:               "partclone.extfs",
		Compression:           "zstd",
		PartitionSizeBytes:    42, // ignored; queried from the device
		ImageChecksumSHA256:   digest,
		Chunked:               true,
		ChunkSizeMB:           1,
		ChunkCount:            3,
		SourceDisk:            "/dev/sda",
		SourcePartitionLayout: json.RawMessage(`{"partitiontable":{"label":"gpt"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), d.PartitionSizeBytes)
	assert.Equal(t, "sda1_ext4.img.zst", d.ImageFilename)

	got, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, ToolVersion, got.ToolVersion)
	assert.Equal(t, int64(1<<30), got.PartitionSizeBytes)
	assert.Equal(t, 3, got.ChunkCount)
	assert.JSONEq(t, `{"partitiontable":{"label":"gpt"}}`, string(got.SourcePartitionLayout))
	assert.Equal(t, layout.Chunks(base, 3), got.Files(base))

	// Every field is present under its exact name.
	raw, err := os.ReadFile(layout.Sidecar(base))
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"tool_version", "timestamp", "device", "filesystem", "backend",
		"compression", "partition_size_bytes", "image_filename", "image_checksum_sha256",
		"chunked", "chunk_size_mb", "chunk_count", "source_disk", "source_partition_layout", "notes"} {
		assert.Contains(t, m, k)
	}
	assert.Len(t, m, 15)
}

func TestWriteRefusesOverwrite(t *testing.T) {
	base := filepath.Join(t.TempDir(), "x.img.lz4")
	st := Store{Sizer: sizes{"/dev/x": 100}}
	d := Descriptor{Device: "/dev/x", Backend: "partclone.xfs"}
	_, err := st.Write(base, d)
	require.NoError(t, err)
	_, err = st.Write(base, d)
	assert.True(t, errors.Is(err, ErrExists))
}

func TestWriteQueriesDevice(t *testing.T) {
	base := filepath.Join(t.TempDir(), "x.img.lz4")
	st := Store{Sizer: sizes{}}
	_, err := st.Write(base, Descriptor{Device: "/dev/gone", Backend: "partclone.xfs", PartitionSizeBytes: 10})
	assert.Error(t, err)
	_, err = os.Stat(layout.Sidecar(base))
	assert.True(t, os.IsNotExist(err))

	// A zero-size device yields an invalid descriptor, which is not written.
	st = Store{Sizer: sizes{"/dev/empty": 0}}
	_, err = st.Write(base, Descriptor{Device: "/dev/empty", Backend: "partclone.xfs"})
	var ie *InvalidError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []string{"partition_size_bytes"}, ie.Fields())
	_, err = os.Stat(layout.Sidecar(base))
	assert.True(t, os.IsNotExist(err))

	// No temporary files left behind.
	ents, err := os.ReadDir(filepath.Dir(base))
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func writeSidecar(t *testing.T, doc string) string {
	t.Helper()
	base := filepath.Join(t.TempDir(), "x.img.lz4")
	require.NoError(t, os.WriteFile(layout.Sidecar(base), []byte(doc), 0644))
	return base
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nothing.img.lz4"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadEnumeratesProblems(t *testing.T) {
	base := writeSidecar(t, `{"device":"/dev/sda1","image_checksum_sha256":"ABC"}`)
	_, err := Load(base)
	var ie *InvalidError
	require.True(t, errors.As(err, &ie))
	assert.ElementsMatch(t, []string{"backend", "partition_size_bytes", "image_checksum_sha256"}, ie.Fields())
	assert.Contains(t, err.Error(), "backend: missing")
}

func TestLoadUppercaseDigest(t *testing.T) {
	base := writeSidecar(t, `{"backend":"partclone.ntfs","partition_size_bytes":5,
		"image_checksum_sha256":"`+strings.ToUpper(digest)+`"}`)
	_, err := Load(base)
	var ie *InvalidError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []string{"image_checksum_sha256"}, ie.Fields())
}

func TestLoadDefaultsCompression(t *testing.T) {
	base := writeSidecar(t, `{"backend":"partclone.ntfs","partition_size_bytes":5}`)
	d, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, "lz4", d.Compression)
	assert.Equal(t, []string{base}, d.Files(base))
}

func TestLoadUnknownCompression(t *testing.T) {
	base := writeSidecar(t, `{"backend":"partclone.ntfs","partition_size_bytes":5,"compression":"bzip2"}`)
	_, err := Load(base)
	var ie *InvalidError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []string{"compression"}, ie.Fields())
}

func TestLoadGarbage(t *testing.T) {
	base := writeSidecar(t, `{"backend": "partclone.ntfs",`)
	_, err := Load(base)
	var ie *InvalidError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []string{"document"}, ie.Fields())
}

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.img.lz4.sha256")
	require.NoError(t, WriteChecksumFile(path, digest, "x.img.lz4"))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, digest+"  x.img.lz4\n", string(b))

	got, err := ReadChecksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	// Raw sha256sum output reading stdin.
	require.NoError(t, os.WriteFile(path, []byte(digest+"  -\n"), 0644))
	got, err = ReadChecksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	require.NoError(t, os.WriteFile(path, []byte("deadbeef  -\n"), 0644))
	_, err = ReadChecksumFile(path)
	assert.Error(t, err)
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err = ReadChecksumFile(path)
	assert.Error(t, err)

	assert.Error(t, WriteChecksumFile(path, "nope", "x"))
}
