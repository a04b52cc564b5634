// device/device_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package device

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fake(outputs map[string]string) Lsblk {
	return Lsblk{Output: func(name string, args ...string) ([]byte, error) {
		key := name + " " + strings.Join(args, " ")
		if v, ok := outputs[key]; ok {
			return []byte(v), nil
		}
		return nil, errors.New("exit status 32")
	}}
}

const sda1 = `{
   "blockdevices": [
      {"name":"sda1", "path":"/dev/sda1", "fstype":"ext4", "size":536870912, "mountpoint":null, "pkname":"sda", "type":"part"}
   ]
}`

// util-linux before 2.33 quotes numbers.
const sdb2 = `{"blockdevices": [{"name":"sdb2","path":"/dev/sdb2","fstype":"vfat","size":"1048576","mountpoint":"/boot/efi","pkname":"sdb","type":"part"}]}`

func TestLsblk(t *testing.T) {
	l := fake(map[string]string{
		"lsblk -J -b -d -o NAME,PATH,FSTYPE,SIZE,MOUNTPOINT,PKNAME,TYPE /dev/sda1": sda1,
		"lsblk -J -b -d -o NAME,PATH,FSTYPE,SIZE,MOUNTPOINT,PKNAME,TYPE /dev/sdb2": sdb2,
		"sfdisk --json /dev/sda": "{\n  \"partitiontable\": {\"label\": \"gpt\"}\n}\n",
	})

	fs, err := l.FilesystemType("/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "ext4", fs)

	n, err := l.SizeBytes("/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, int64(536870912), n)

	mp, err := l.Mountpoint("/dev/sda1")
	require.NoError(t, err)
	assert.Empty(t, mp)

	disk, err := l.ParentDisk("/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", disk)

	lay, err := l.PartitionLayout(disk)
	require.NoError(t, err)
	assert.Equal(t, `{"partitiontable":{"label":"gpt"}}`, string(lay))

	n, err = l.SizeBytes("/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), n)
	mp, err = l.Mountpoint("/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, "/boot/efi", mp)

	_, err = l.SizeBytes("/dev/nope")
	assert.Error(t, err)
	_, err = l.PartitionLayout("/dev/nope")
	assert.Error(t, err)
}

func TestParseLsblkEmpty(t *testing.T) {
	_, err := parseLsblk("/dev/x", []byte(`{"blockdevices":[]}`))
	assert.True(t, errors.Is(err, ErrNoDevice))
	_, err = parseLsblk("/dev/x", []byte(`not json`))
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := Static{
		"/dev/sda1": {FSType: "btrfs", Size: 1000, PKName: "sda"},
		"/dev/sda":  {Type: "disk", Size: 5000},
	}
	assert.True(t, s.Exists("/dev/sda1"))
	assert.False(t, s.Exists("/dev/sdz"))

	fs, err := s.FilesystemType("/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "btrfs", fs)

	disk, err := s.ParentDisk("/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", disk)
	disk, err = s.ParentDisk("/dev/sda")
	require.NoError(t, err)
	assert.Empty(t, disk)

	lay, err := s.PartitionLayout("/dev/sda")
	require.NoError(t, err)
	assert.Contains(t, string(lay), "/dev/sda")

	_, err = s.SizeBytes("/dev/sdz")
	assert.True(t, errors.Is(err, ErrNoDevice))
}
