// cmd/imprint/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import "github.com/spf13/cobra"

var readmeCmd = &cobra.Command{
	Use:   "readme",
	Short: "Describe the image format in enough detail to restore without imprint",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log.Print("%s", readmeText)
	},
}

var readmeText = `

This document is an attempt to document the way that imprint stores images
in sufficient detail so that (if ever necessary), it's possible to restore
one even without the imprint source code. Everything imprint writes is
produced by standard tools, so restoring by hand is a matter of running
them in the right order.

# Capturing

A capture is the output of a partclone backend run as

	partclone.<fs> -c -s <device>

(partclone.extfs for ext2/3/4, partclone.ntfs, partclone.fat for vfat,
partclone.btrfs, and so forth; see the "backend" field of the descriptor.)
That stream is piped through a compressor (lz4 -1, zstd -6 -T0 or gzip -3;
see "compression") and the compressed bytes are what get stored.

# Files

For an image with base path <image> (e.g. /backups/sda1_ext4.img.lz4):

	<image>           the compressed stream, for an unchunked image
	<image>.000 ...   the compressed stream split into fixed-size chunks;
	                  three zero-padded decimal digits, contiguous from 000
	<image>.json      the descriptor
	<image>.sha256    "<hex digest>  <image file name>", in sha256sum format
	<file>.rs         Reed-Solomon parity for one data file (optional)

Chunks are plain byte ranges of one stream; concatenating them in order
gives the same bytes an unchunked image would have held.

# Descriptor

The descriptor is a JSON object:

	tool_version             "1.0"
	timestamp                capture start, Unix seconds
	device                   source partition
	filesystem               filesystem type reported by lsblk
	backend                  executable used to capture (and restore)
	compression              "lz4", "zstd" or "gzip"
	partition_size_bytes     size of the source partition
	image_filename           base name of <image>
	image_checksum_sha256    SHA-256 of the stored (compressed) bytes,
	                         all chunks concatenated
	chunked, chunk_size_mb, chunk_count
	source_disk              disk holding the source partition
	source_partition_layout  "sfdisk --json" output for that disk, or null
	notes                    free-form

# Restoring

Check the digest, then reverse the pipeline:

	cat <image>.* | sha256sum
	cat <image>.* | <compressor> -dc | <backend> -r -s - -o <device>

The target partition must be at least partition_size_bytes large and must
not be mounted.

# Reed-Solomon encoding

Parity files are based on the Go "gob" encoding package. Each data file
is processed in segments of NDataShards*HashRate bytes; each segment is
split into NDataShards shards of HashRate bytes (the last segment zero
padded), and NParityShards parity shards are computed with
github.com/klauspost/reedsolomon. A .rs file is one header followed by one
segment record per segment:

const HashSize = 64
type hash [HashSize]byte  // SHAKE256 of a shard

type rsFileHeader struct {
	Version                    int
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	Hashes []hash   // First the data hashes, then the parity hashes.
	Parity [][]byte
}

A shard whose hash doesn't match is damaged; up to NParityShards damaged
shards per segment can be reconstructed.
`
