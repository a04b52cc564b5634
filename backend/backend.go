// backend/backend.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backend maps the filesystem type the OS reports for a partition
// to the partclone executable that can image it.
package backend

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotSupported is returned for filesystem types no backend can image.
var ErrNotSupported = errors.New("no imaging backend for filesystem")

var backends = map[string]string{
	"ext2":  "partclone.extfs",
	"ext3":  "partclone.extfs",
	"ext4":  "partclone.extfs",
	"btrfs": "partclone.btrfs",
	"xfs":   "partclone.xfs",
	"ntfs":  "partclone.ntfs",
	"vfat":  "partclone.fat",
	"fat32": "partclone.fat",
	"fat":   "partclone.fat",
	"exfat": "partclone.exfat",
}

// Resolve returns the backend executable for fsType. Matching is exact.
func Resolve(fsType string) (string, error) {
	if b, ok := backends[fsType]; ok {
		return b, nil
	}
	return "", fmt.Errorf("%q: %w", fsType, ErrNotSupported)
}

// Executables returns the distinct backend executables, sorted.
func Executables() []string {
	seen := make(map[string]struct{})
	var ex []string
	for _, b := range backends {
		if _, ok := seen[b]; !ok {
			seen[b] = struct{}{}
			ex = append(ex, b)
		}
	}
	sort.Strings(ex)
	return ex
}

// CaptureArgs are the arguments that make a backend write an image of
// device to stdout.
func CaptureArgs(device string) []string {
	return []string{"-c", "-s", device}
}

// RestoreArgs are the arguments that make a backend read an image from
// stdin and write it onto device.
func RestoreArgs(device string) []string {
	return []string{"-r", "-s", "-", "-o", device}
}
