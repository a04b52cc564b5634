// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	rand.Seed(seed)

	// Make a buffer full of random bytes.
	buf := make([]byte, 1+rand.Intn(8*1024*1024))
	t.Logf("Length %d", len(buf))
	_, _ = rand.Read(buf)
	origBuf := dupe(buf)

	nShards := 1 + rand.Intn(24)
	nParity := 1 + rand.Intn(8)
	hashRate := 1 << uint(10+rand.Intn(10))
	t.Logf("%d data shards, %d parity, %d hash rate", nShards, nParity, hashRate)

	// Encode the bytes.
	var rs bytes.Buffer
	err := Encode(bytes.NewReader(buf), int64(len(buf)), &rs, nShards, nParity, hashRate)
	require.NoError(t, err)
	origRs := dupe(rs.Bytes())

	// The initial check should pass!
	require.NoError(t, Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil))

	// Introduce as many errors as possible to the data and the encoded
	// bytes while still being able to recover.
	nErrors := nParity
	t.Logf("Introducing %d errors", nErrors)

	de := rand.Intn(nErrors)
	corrupt(buf, de, nShards*hashRate)
	require.NoError(t, corruptRS(origBuf, rs.Bytes(), nErrors-de))

	// Make sure that the check fails now.
	err = Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil)
	require.ErrorIs(t, err, ErrFileCorrupt)

	// Restore it.
	var restored, restoredRs bytes.Buffer
	require.NoError(t, Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()),
		int64(len(buf)), &restored, &restoredRs, nil))

	// Make sure that the recovered data matches the original
	assert.True(t, bytes.Equal(origBuf, restored.Bytes()), "original bytes don't match restored")
	assert.True(t, bytes.Equal(origRs, restoredRs.Bytes()), "original rs bytes don't match restored")
}

func TestTooMuchDamage(t *testing.T) {
	buf := make([]byte, 4*1024)
	_, _ = rand.Read(buf)

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 4, 1, 1024))

	// Two damaged data shards in a segment with one parity shard.
	buf[10]++
	buf[2000]++

	var restored, restoredRs bytes.Buffer
	err := Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()),
		int64(len(buf)), &restored, &restoredRs, nil)
	assert.ErrorIs(t, err, ErrUnrecoverable)
}

func TestEmpty(t *testing.T) {
	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(nil), 0, &rs, 4, 2, 1024))
	assert.NoError(t, Check(bytes.NewReader(nil), bytes.NewReader(rs.Bytes()), nil))
}

func TestBadParams(t *testing.T) {
	var rs bytes.Buffer
	assert.Error(t, Encode(bytes.NewReader(nil), 0, &rs, 0, 2, 1024))
	assert.Error(t, Encode(bytes.NewReader(nil), 0, &rs, 4, 0, 1024))
}

func TestTruncatedFile(t *testing.T) {
	buf := make([]byte, 10000)
	_, _ = rand.Read(buf)

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 8, 2, 1024))

	// Losing the tail damages the final data shard.
	short := buf[:len(buf)-100]
	require.ErrorIs(t, Check(bytes.NewReader(short), bytes.NewReader(rs.Bytes()), nil), ErrFileCorrupt)

	var restored, restoredRs bytes.Buffer
	require.NoError(t, Restore(bytes.NewReader(short), bytes.NewReader(rs.Bytes()),
		int64(len(buf)), &restored, &restoredRs, nil))
	assert.True(t, bytes.Equal(buf, restored.Bytes()))
}

func TestImageFiles(t *testing.T) {
	dir := t.TempDir()
	var files [][]byte
	var paths []string
	for i := 0; i < 2; i++ {
		b := make([]byte, 50000+i*1000)
		_, _ = rand.Read(b)
		p := filepath.Join(dir, "sda1_ext4.img.lz4.00"+string(rune('0'+i)))
		require.NoError(t, os.WriteFile(p, b, 0644))
		files = append(files, b)
		paths = append(paths, p)
	}

	p := Params{DataShards: 4, ParityShards: 2, HashRate: 4096}
	rsFiles, err := ProtectImage(paths, p, nil)
	require.NoError(t, err)
	require.Len(t, rsFiles, 2)
	assert.Equal(t, paths[0]+".rs", rsFiles[0])

	n, err := CheckImage(paths, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Intact files need no repair.
	recovered, err := RepairImage(paths, nil)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	damaged := dupe(files[1])
	damaged[123] ^= 0xff
	require.NoError(t, os.WriteFile(paths[1], damaged, 0644))

	_, err = CheckImage(paths, nil)
	require.ErrorIs(t, err, ErrFileCorrupt)

	recovered, err = RepairImage(paths, nil)
	require.NoError(t, err)
	require.Equal(t, []string{paths[1] + ".recovered"}, recovered)

	got, err := os.ReadFile(recovered[0])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(files[1], got))
	assert.FileExists(t, paths[1]+".rs.recovered")
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

// Corrupt the given data.
func corrupt(b []byte, n int, sz int) {
	// Take advatage of the fact that we know how the file is segmented and
	// sharded; introduce n errors in each segment.
	for len(b) > 0 {
		if sz > len(b) {
			// Last time through
			sz = len(b)
		}

		for i := 0; i < n; i++ {
			offset := rand.Intn(sz)
			v := b[offset]
			delta := 1 + rand.Intn(254)
			b[offset] = byte((int(v) + delta) % 255)
		}
		b = b[sz:]
	}
}

// Corrupt n random bytes of the given .rs file, being careful to not
// clobber any of the hashes.
func corruptRS(data, rs []byte, n int) error {
	if n == 0 {
		return nil
	}

	var w bytes.Buffer
	enc := gob.NewEncoder(&w)
	first := true

	err := forEachSegment(bytes.NewReader(data), bytes.NewReader(rs), nil,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if first {
				if err := enc.Encode(h); err != nil {
					return err
				}
				first = false
			}

			// Add n errors in the current segment
			parity := shards[h.NDataShards:]
			for i := 0; i < n; i++ {
				target := rand.Intn(len(parity))
				off := rand.Intn(len(parity[target]))
				parity[target][off] += byte(1 + rand.Intn(254))
			}

			// In any case, write out the segment.
			return enc.Encode(rsFileSegment{hashes, parity})
		})
	if err != nil {
		return err
	}
	copy(rs, w.Bytes())

	return nil
}
