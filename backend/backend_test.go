// backend/backend_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	for fs, want := range map[string]string{
		"ext2": "partclone.extfs", "ext3": "partclone.extfs", "ext4": "partclone.extfs",
		"btrfs": "partclone.btrfs", "xfs": "partclone.xfs", "ntfs": "partclone.ntfs",
		"vfat": "partclone.fat", "fat32": "partclone.fat", "fat": "partclone.fat",
		"exfat": "partclone.exfat",
	} {
		got, err := Resolve(fs)
		require.NoError(t, err, fs)
		assert.Equal(t, want, got, fs)
	}
}

func TestResolveNotSupported(t *testing.T) {
	for _, fs := range []string{"", "swap", "EXT4", "zfs_member", "f2fs"} {
		_, err := Resolve(fs)
		assert.True(t, errors.Is(err, ErrNotSupported), "%q: %v", fs, err)
	}
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{"-c", "-s", "/dev/sda1"}, CaptureArgs("/dev/sda1"))
	assert.Equal(t, []string{"-r", "-s", "-", "-o", "/dev/sdb1"}, RestoreArgs("/dev/sdb1"))
	assert.Equal(t, []string{"partclone.btrfs", "partclone.exfat", "partclone.extfs",
		"partclone.fat", "partclone.ntfs", "partclone.xfs"}, Executables())
}
