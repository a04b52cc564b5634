// metrics/metrics_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imprint.prom")
	require.NoError(t, WriteTextfile(path, Run{
		Op:          "backup",
		Device:      "/dev/sda1",
		Success:     true,
		Start:       time.Unix(1700000000, 0),
		Duration:    90 * time.Second,
		StoredBytes: 4096,
	}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `imprint_last_run_success{device="/dev/sda1",op="backup"} 1`)
	assert.Contains(t, s, `imprint_last_run_timestamp_seconds{device="/dev/sda1",op="backup"} 1.7e+09`)
	assert.Contains(t, s, `imprint_last_run_duration_seconds{device="/dev/sda1",op="backup"} 90`)
	assert.Contains(t, s, `imprint_last_run_stored_bytes{device="/dev/sda1",op="backup"} 4096`)

	// A later failure replaces the file.
	require.NoError(t, WriteTextfile(path, Run{Op: "restore", Device: "/dev/sdb1"}))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `imprint_last_run_success{device="/dev/sdb1",op="restore"} 0`)
	assert.NotContains(t, string(b), "sda1")
}
