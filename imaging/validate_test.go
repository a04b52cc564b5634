// imaging/validate_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package imaging

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/ui"
)

func goodCheck() RestoreCheck {
	return RestoreCheck{
		Base: "/b/x.img.lz4",
		Descriptor: metadata.Descriptor{
			Backend:            "partclone.extfs",
			Compression:        "lz4",
			PartitionSizeBytes: 1000,
			Chunked:            true,
			ChunkSizeMB:        1,
			ChunkCount:         4,
		},
		Target:       "/dev/sdb1",
		FirstMissing: func(string, int) int { return -1 },
		Exists:       func(dev string) bool { return dev == "/dev/sdb1" },
		Capacity:     func(string) (int64, error) { return 1000, nil },
		Mountpoint:   func(string) (string, error) { return "", nil },
	}
}

func TestRestoreCheckAccepts(t *testing.T) {
	require.NoError(t, goodCheck().Validate())

	c := goodCheck()
	c.Descriptor.Chunked, c.Descriptor.ChunkCount = false, 0
	c.Capacity = func(string) (int64, error) { return 1 << 40, nil }
	require.NoError(t, c.Validate())
}

func TestRestoreCheckNoDescriptor(t *testing.T) {
	c := goodCheck()
	c.LoadErr = fmt.Errorf("x: %w", metadata.ErrNotFound)
	err := c.Validate()
	assert.True(t, errors.Is(err, MetadataError))
	assert.True(t, errors.Is(err, metadata.ErrNotFound))

	c = goodCheck()
	c.Descriptor.Backend = ""
	c.Descriptor.PartitionSizeBytes = 0
	err = c.Validate()
	assert.True(t, errors.Is(err, MetadataError))
	var ie *metadata.InvalidError
	require.True(t, errors.As(err, &ie))
	assert.ElementsMatch(t, []string{"backend", "partition_size_bytes"}, ie.Fields())

	c = goodCheck()
	c.Descriptor.ChunkCount = 0
	assert.True(t, errors.Is(c.Validate(), MetadataError))
}

func TestRestoreCheckChunks(t *testing.T) {
	c := goodCheck()
	var asked int
	c.FirstMissing = func(base string, n int) int {
		asked = n
		return 2
	}
	err := c.Validate()
	var me *MissingChunkError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 2, me.Index)
	assert.Equal(t, "/b/x.img.lz4.002", me.Path)
	assert.Equal(t, 4, asked)
	assert.True(t, errors.Is(err, DeviceError))
	assert.Contains(t, err.Error(), "chunk 002 missing")
}

func TestRestoreCheckCapacity(t *testing.T) {
	for have, ok := range map[int64]bool{999: false, 1000: true, 1001: true, 0: false} {
		c := goodCheck()
		c.Capacity = func(string) (int64, error) { return have, nil }
		err := c.Validate()
		if ok {
			assert.NoError(t, err, "%d", have)
			continue
		}
		var ce *CapacityError
		require.True(t, errors.As(err, &ce), "%d", have)
		assert.Equal(t, have, ce.Have)
		assert.Equal(t, int64(1000), ce.Need)
		assert.True(t, strings.Contains(err.Error(), "1000"))
	}

	c := goodCheck()
	c.Capacity = func(string) (int64, error) { return 0, errors.New("lsblk failed") }
	assert.True(t, errors.Is(c.Validate(), DeviceError))
}

func TestRestoreCheckTarget(t *testing.T) {
	c := goodCheck()
	c.Target = "/dev/sdz9"
	assert.True(t, errors.Is(c.Validate(), DeviceError))

	c = goodCheck()
	c.Mountpoint = func(string) (string, error) { return "/mnt", nil }
	err := c.Validate()
	assert.True(t, errors.Is(err, DeviceError))
	assert.Contains(t, err.Error(), "/mnt")
}

func TestConfirm(t *testing.T) {
	assert.NoError(t, Confirm(nil, true, true, "q"))
	assert.True(t, errors.Is(Confirm(nil, true, false, "q"), ArgumentError))

	yes := &ui.Scripted{Answer: true}
	assert.NoError(t, Confirm(yes, true, false, "q"))
	assert.NoError(t, Confirm(yes, false, false, "q"))
	assert.Len(t, yes.Asked, 2)

	no := &ui.Scripted{}
	assert.True(t, errors.Is(Confirm(no, false, false, "q"), ErrDeclined))

	term := &ui.Terminal{In: strings.NewReader("y\n"), Out: &strings.Builder{}}
	err := Confirm(term, false, false, "q")
	assert.True(t, errors.Is(err, ArgumentError))
	assert.Contains(t, err.Error(), "--yes")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("x")))
	for k, code := range map[Kind]int{ArgumentError: 2, PrivilegeError: 3, DeviceError: 4,
		PipelineError: 5, MetadataError: 6} {
		err := fmt.Errorf("wrapped: %w", newError(k, "op", errors.New("x")))
		assert.Equal(t, code, ExitCode(err), k.String())
		assert.True(t, errors.Is(err, k))
		assert.Equal(t, k, KindOf(err))
	}
	assert.False(t, errors.Is(newError(DeviceError, "op", errors.New("x")), MetadataError))
	assert.Equal(t, "op: x", newError(DeviceError, "op", errors.New("x")).Error())
}
