// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/imprint/device"
	"github.com/mmp/imprint/imaging"
	"github.com/mmp/imprint/ui"
	"github.com/mmp/imprint/util"
)

func quiet() *util.Logger { return util.NewLoggerTo(io.Discard, io.Discard, false, false) }

func TestDefaults(t *testing.T) {
	c, err := LoadFrom(filepath.Join(t.TempDir(), "none.yaml"), quiet())
	require.NoError(t, err)
	assert.Equal(t, "lz4", c.Compression)
	assert.Equal(t, 0, c.ChunkSizeMB)
	assert.Equal(t, "/tmp/imprint_work", c.WorkDir)
	assert.Equal(t, "", c.EscalationHelper)

	o := c.Options(false, true)
	assert.Equal(t, "", o.Helper)
	assert.True(t, o.Unattended)
	assert.False(t, o.Privileged)
	assert.Equal(t, "/tmp/imprint_work", o.WorkDir)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
compression: zstd
chunk_size_mb: 4000
backup_dir: /srv/images
escalation_helper: /usr/bin/sudo
gcs:
  bucket: offsite
  max_upload_bytes_per_second: 1000000
  endpoint: http://localhost:4443/storage/v1/
`), 0644))

	c, err := LoadFrom(path, quiet())
	require.NoError(t, err)
	assert.Equal(t, "zstd", c.Compression)
	assert.Equal(t, 4000, c.ChunkSizeMB)
	assert.Equal(t, "/srv/images", c.BackupDir)
	assert.Equal(t, "/usr/bin/sudo", c.EscalationHelper)
	assert.Equal(t, "offsite", c.GCS.Bucket)
	assert.Equal(t, 1000000, c.GCS.MaxUploadBytesPerSecond)
	assert.Equal(t, "http://localhost:4443/storage/v1/", c.GCS.Endpoint)
	assert.Equal(t, "/tmp/imprint_work", c.WorkDir)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression: zstd\nchunk_size_mb: 10\n"), 0644))
	t.Setenv(EnvCompression, "gzip")
	t.Setenv(EnvChunkMB, "25")
	t.Setenv(EnvWorkDir, "/var/tmp/w")
	t.Setenv(EnvGCSBucket, "b2")

	c, err := LoadFrom(path, quiet())
	require.NoError(t, err)
	assert.Equal(t, "gzip", c.Compression)
	assert.Equal(t, 25, c.ChunkSizeMB)
	assert.Equal(t, "/var/tmp/w", c.WorkDir)
	assert.Equal(t, "b2", c.GCS.Bucket)

	t.Setenv(EnvChunkMB, "lots")
	_, err = LoadFrom(path, quiet())
	assert.Error(t, err)
}

func TestInvalidValuesFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression: bzip2\nchunk_size_mb: -3\n"), 0644))
	var diag bytes.Buffer
	c, err := LoadFrom(path, util.NewLoggerTo(&diag, io.Discard, false, false))
	require.NoError(t, err)
	assert.Equal(t, "lz4", c.Compression)
	assert.Equal(t, 0, c.ChunkSizeMB)
	assert.Contains(t, diag.String(), "bzip2")
}

func TestBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression: [\n"), 0644))
	_, err := LoadFrom(path, quiet())
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	c, err := LoadFrom(path, quiet())
	require.NoError(t, err)
	c.BackupDir = "/mnt/usb/images"
	require.NoError(t, c.Save())

	again, err := LoadFrom(path, quiet())
	require.NoError(t, err)
	assert.Equal(t, "/mnt/usb/images", again.BackupDir)
	assert.Equal(t, "lz4", again.Compression)
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/imprint.yaml")
	assert.Equal(t, "/etc/imprint.yaml", Path())

	t.Setenv(EnvConfig, "")
	assert.Equal(t, filepath.Join(xdg.ConfigHome, "imprint", "config.yaml"), Path())
}

// An unattended, unprivileged run with the default configuration must be
// refused before anything is spawned, not handed to pkexec.
func TestDefaultOptionsUnattendedNeedsRoot(t *testing.T) {
	images := t.TempDir()
	e := &imaging.Engine{
		Log: quiet(),
		Inventory: device.Static{
			"/dev/sda1": {FSType: "ext4", Size: 1 << 20},
		},
		Prompter: &ui.Scripted{Answer: true},
		Options:  Default().Options(false, true),
	}
	_, err := e.Backup(context.Background(), imaging.BackupRequest{
		Device: "/dev/sda1",
		Target: images + "/x",
	})
	assert.True(t, errors.Is(err, imaging.PrivilegeError), "%v", err)
	assert.Equal(t, 3, imaging.ExitCode(err))

	entries, err := os.ReadDir(images)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// pkexec named explicitly is no better.
	e.Options.Helper = "/usr/bin/pkexec"
	_, err = e.Backup(context.Background(), imaging.BackupRequest{
		Device: "/dev/sda1",
		Target: images + "/x",
	})
	assert.True(t, errors.Is(err, imaging.PrivilegeError), "%v", err)
}
