// layout/usage_unix.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build unix

package layout

import (
	"os"
	"syscall"
)

func allocatedBytes(fi os.FileInfo) int64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return int64(st.Blocks) * 512
	}
	return fi.Size()
}
