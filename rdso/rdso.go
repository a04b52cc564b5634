// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso protects image files with Reed-Solomon parity, based on
// github.com/klauspost/reedsolomon, so that bit rot in a stored image can
// be detected and, within limits, repaired.
//
// A file is processed in segments of NDataShards*HashRate bytes. Each
// segment is split into NDataShards shards of HashRate bytes (the last
// segment zero padded), NParityShards parity shards are computed, and a
// hash of every shard is kept. The .rs file is a gob stream: one
// rsFileHeader followed by one rsFileSegment per segment. Up to
// NParityShards damaged shards per segment can be reconstructed.
package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/mmp/imprint/util"
)

const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 1024 * 1024

	// HashSize is the number of bytes in a shard hash.
	HashSize = 64

	version = 1
)

var (
	ErrFileCorrupt   = errors.New("file is corrupt")
	ErrUnrecoverable = errors.New("too much damage to repair")
)

type hash [HashSize]byte

// hashBytes computes the SHAKE256 hash of b.
func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	Version                    int
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

func (h rsFileHeader) nSegments() int64 {
	return (h.FileSize + h.segmentSize() - 1) / h.segmentSize()
}

type rsFileSegment struct {
	// Data shard hashes, then parity shard hashes.
	Hashes []hash
	Parity [][]byte
}

// Params choose the shape of the encoding.
type Params struct {
	DataShards, ParityShards, HashRate int
}

func DefaultParams() Params {
	return Params{DataShards: DefaultDataShards, ParityShards: DefaultParityShards, HashRate: DefaultHashRate}
}

func (p Params) check() error {
	if p.DataShards < 1 || p.ParityShards < 1 || p.HashRate < 1 {
		return fmt.Errorf("invalid Reed-Solomon parameters %+v", p)
	}
	return nil
}

// readSegment reads the next segment of data into shards, zero filling
// whatever the reader doesn't supply.
func readSegment(r io.Reader, buf []byte, h rsFileHeader) ([][]byte, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	var shards [][]byte
	for i := 0; i < h.NDataShards; i++ {
		shards = append(shards, buf[i*h.HashRate:(i+1)*h.HashRate])
	}
	return shards, nil
}

// Encode reads size bytes from r and writes their parity to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards, hashRate int) error {
	p := Params{nDataShards, nParityShards, hashRate}
	if err := p.check(); err != nil {
		return err
	}
	h := rsFileHeader{
		Version:       version,
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	rs, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	for seg := int64(0); seg < h.nSegments(); seg++ {
		dataShards, err := readSegment(r, buf, h)
		if err != nil {
			return err
		}
		var parity [][]byte
		for i := 0; i < nParityShards; i++ {
			parity = append(parity, make([]byte, hashRate))
		}
		all := append(dataShards, parity...)
		if err := rs.Encode(all); err != nil {
			return err
		}

		var hashes []hash
		for _, s := range all {
			hashes = append(hashes, hashBytes(s))
		}
		if err := enc.Encode(rsFileSegment{hashes, parity}); err != nil {
			return err
		}
	}
	return nil
}

// forEachSegment walks data alongside its parity, calling fn with the
// stored hashes and the data shards followed by the stored parity shards.
func forEachSegment(data, rs io.Reader, log *util.Logger,
	fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return fmt.Errorf("reading parity header: %w", err)
	}
	if h.Version != version {
		return fmt.Errorf("parity file version %d; expected %d", h.Version, version)
	}
	if err := (Params{h.NDataShards, h.NParityShards, h.HashRate}).check(); err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	n := h.nSegments()
	for seg := int64(0); seg < n; seg++ {
		var s rsFileSegment
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("reading parity segment %d: %w", seg, err)
		}
		if len(s.Hashes) != h.NDataShards+h.NParityShards || len(s.Parity) != h.NParityShards {
			return fmt.Errorf("parity segment %d is malformed", seg)
		}
		shards, err := readSegment(data, buf, h)
		if err != nil {
			return err
		}
		if err := fn(h, s.Hashes, append(shards, s.Parity...)); err != nil {
			return err
		}
		if log != nil && n > 1 && (seg+1)%64 == 0 {
			log.Debug("segment %d/%d", seg+1, n)
		}
	}
	return nil
}

// damaged returns the indices of shards whose hashes don't match.
func damaged(hashes []hash, shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

func describe(h rsFileHeader, shard int) string {
	if shard < h.NDataShards {
		return fmt.Sprintf("data shard %d", shard)
	}
	return fmt.Sprintf("parity shard %d", shard-h.NDataShards)
}

// Check verifies data against its parity file, logging every damaged
// shard, and returns ErrFileCorrupt if there were any.
func Check(data, rs io.Reader, log *util.Logger) error {
	nbad := 0
	seg := 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for _, i := range damaged(hashes, shards) {
			if log != nil {
				log.Error("segment %d: %s hash mismatch", seg, describe(h, i))
			}
			nbad++
		}
		seg++
		return nil
	})
	if err != nil {
		return err
	}
	if nbad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore writes size bytes of repaired data to w and a repaired parity
// stream to wRs.
func Restore(data, rs io.Reader, size int64, w, wRs io.Writer, log *util.Logger) error {
	var enc *gob.Encoder
	var dec reedsolomon.Encoder
	lw := &limitedWriter{W: w, N: size}
	seg := 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if enc == nil {
			if h.FileSize != size {
				return fmt.Errorf("parity describes %d bytes, not %d", h.FileSize, size)
			}
			var err error
			if dec, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
				return err
			}
			enc = gob.NewEncoder(wRs)
			if err := enc.Encode(h); err != nil {
				return err
			}
		}

		bad := damaged(hashes, shards)
		if len(bad) > 0 {
			for _, i := range bad {
				log.Warning("segment %d: repairing %s", seg, describe(h, i))
				shards[i] = nil
			}
			if len(bad) > h.NParityShards {
				return fmt.Errorf("segment %d: %d damaged shards: %w", seg, len(bad), ErrUnrecoverable)
			}
			if err := dec.Reconstruct(shards); err != nil {
				return fmt.Errorf("segment %d: %w", seg, err)
			}
			if len(damaged(hashes, shards)) > 0 {
				return fmt.Errorf("segment %d: %w", seg, ErrUnrecoverable)
			}
		}
		seg++

		for _, s := range shards[:h.NDataShards] {
			if _, err := lw.Write(s); err != nil {
				return err
			}
		}
		return enc.Encode(rsFileSegment{hashes, shards[h.NDataShards:]})
	})
	if err != nil {
		return err
	}
	if enc == nil {
		// An empty file has no segments; still write the header.
		return gob.NewEncoder(wRs).Encode(rsFileHeader{Version: version})
	}
	return nil
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the parity for fn to rsfn.
func EncodeFile(fn, rsfn string, p Params) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return writeAtomic(rsfn, func(w io.Writer) error {
		return Encode(f, fi.Size(), w, p.DataShards, p.ParityShards, p.HashRate)
	})
}

func CheckFile(fn, rsfn string, log *util.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()
	if err := Check(f, rs, log); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RepairFile checks fn and, if it is damaged, writes the repaired data to
// fn.recovered and the repaired parity to rsfn.recovered, returning the
// former. Nothing is written for an intact file.
func RepairFile(fn, rsfn string, log *util.Logger) (string, error) {
	if err := CheckFile(fn, rsfn, nil); err == nil {
		return "", nil
	} else if !errors.Is(err, ErrFileCorrupt) {
		return "", err
	}

	rs, err := os.Open(rsfn)
	if err != nil {
		return "", err
	}
	defer rs.Close()
	var h rsFileHeader
	if err := gob.NewDecoder(rs).Decode(&h); err != nil {
		return "", err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	f, err := os.Open(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()

	out := fn + ".recovered"
	err = writeAtomic(out, func(w io.Writer) error {
		return writeAtomic(rsfn+".recovered", func(wRs io.Writer) error {
			return Restore(f, rs, h.FileSize, w, wRs, log)
		})
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", fn, err)
	}
	return out, nil
}

func writeAtomic(path string, fn func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
