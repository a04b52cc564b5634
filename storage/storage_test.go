// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "sda1_ext4.img.lz4", ObjectName("", "/backups/sda1_ext4.img.lz4"))
	assert.Equal(t, "laptop/sda1_ext4.img.lz4.003",
		ObjectName("laptop", "/backups/sda1_ext4.img.lz4.003"))
	assert.Equal(t, "a/b/x.json", ObjectName("/a/b/", "x.json"))
}

func TestImageName(t *testing.T) {
	name, ok := imageName("laptop/sda1_ext4.img.lz4.json")
	require.True(t, ok)
	assert.Equal(t, "sda1_ext4.img.lz4", name)

	_, ok = imageName("laptop/sda1_ext4.img.lz4.000")
	assert.False(t, ok)
	_, ok = imageName("laptop/sda1_ext4.img.lz4.sha256")
	assert.False(t, ok)
}

func TestUnlimited(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	r := bytes.NewReader(nil)
	assert.Equal(t, io.Reader(r), limitReader(context.Background(), r, nil))
}

func TestLimitedReader(t *testing.T) {
	const rate = 64 * 1024
	lim := newLimiter(rate)
	require.NotNil(t, lim)
	assert.Equal(t, rate, lim.Burst())

	// The first second's worth comes out of the initial burst; the rest
	// has to wait.
	src := bytes.Repeat([]byte{'x'}, rate+rate/2)
	start := time.Now()
	b, err := io.ReadAll(limitReader(context.Background(), bytes.NewReader(src), lim))
	require.NoError(t, err)
	assert.Equal(t, src, b)
	assert.Greater(t, time.Since(start), 400*time.Millisecond)
}

func TestLimitedReaderCanceled(t *testing.T) {
	lim := newLimiter(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := bytes.Repeat([]byte{'x'}, 4096)
	_, err := io.ReadAll(limitReader(ctx, bytes.NewReader(src), lim))
	assert.Error(t, err)
}
