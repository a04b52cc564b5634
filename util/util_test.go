// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFmtBytes(t *testing.T) {
	assert.Equal(t, "512 B", FmtBytes(512))
	assert.Equal(t, "2.00 kiB", FmtBytes(2048))
	assert.Equal(t, "3.00 MiB", FmtBytes(3*1024*1024))
	assert.Equal(t, "1.50 GiB", FmtBytes(3*512*1024*1024))
	assert.Equal(t, "2.00 TiB", FmtBytes(2*1024*1024*1024*1024))
}

func TestRate(t *testing.T) {
	assert.Equal(t, int64(0), Rate(100, 0))
	assert.Equal(t, int64(50), Rate(100, 2*time.Second))
}

func TestReportingReaderCounts(t *testing.T) {
	var diag bytes.Buffer
	log := NewLoggerTo(&diag, io.Discard, true, false)

	src := bytes.Repeat([]byte("x"), 10000)
	r := &ReportingReader{R: bytes.NewReader(src), Msg: "capture", Log: log}
	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, int64(len(src)), r.Count())

	require.NoError(t, r.Close())
	assert.True(t, strings.Contains(diag.String(), "Finished. capture"))
}

func TestLoggerLevels(t *testing.T) {
	var diag, out bytes.Buffer
	log := NewLoggerTo(&diag, &out, false, false)

	log.Verbose("hidden %d", 1)
	log.Debug("hidden %d", 2)
	assert.Empty(t, diag.String())

	log.Warning("careful")
	log.Error("broken")
	assert.Contains(t, diag.String(), "careful")
	assert.Contains(t, diag.String(), "broken")
	assert.Contains(t, diag.String(), "util/util_test.go")
	assert.Equal(t, 1, log.Errors())

	log.Print("done")
	assert.Equal(t, "done\n", out.String())
}
