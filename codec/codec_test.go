// codec/codec_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveKnown(t *testing.T) {
	cases := []struct {
		sel        string
		compress   []string
		decompress []string
		ext        string
	}{
		{"lz4", []string{"lz4", "-1", "-c"}, []string{"lz4", "-dc"}, "lz4"},
		{"zstd", []string{"zstd", "-6", "-c", "-T0"}, []string{"zstd", "-dc"}, "zst"},
		{"gzip", []string{"gzip", "-3", "-c"}, []string{"gzip", "-dc"}, "gz"},
	}
	for _, c := range cases {
		p := Resolve(c.sel)
		assert.Equal(t, c.sel, p.Name)
		assert.Equal(t, c.compress, p.Compress, c.sel)
		assert.Equal(t, c.decompress, p.Decompress, c.sel)
		assert.Equal(t, c.ext, p.Ext, c.sel)
		assert.True(t, Known(c.sel))
	}
}

func TestResolveFallsBackToLZ4(t *testing.T) {
	lz4 := Resolve("lz4")
	for _, sel := range []string{"", "xz", "ZSTD", "gz", " lz4"} {
		assert.Equal(t, lz4, Resolve(sel), "%q", sel)
		assert.False(t, Known(sel), "%q", sel)
	}
}

func TestResolveReturnsCopies(t *testing.T) {
	p := Resolve("zstd")
	p.Compress[0] = "cat"
	assert.Equal(t, "zstd", Resolve("zstd").Compress[0])
}

func TestNamesAndExecutables(t *testing.T) {
	assert.Equal(t, []string{"lz4", "zstd", "gzip"}, Names())
	assert.Equal(t, []string{"gzip"}, Resolve("gzip").Executables())
	assert.Equal(t, []string{"cat", "tac"},
		Profile{Compress: []string{"cat"}, Decompress: []string{"tac"}}.Executables())
}
