// imaging/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package imaging

import (
	"errors"
	"fmt"
	"os"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/metadata"
)

type VerifyResult struct {
	Base   string
	Digest string
	Bytes  int64
	// ChecksumFile is the digest in <base>.sha256, if there is one.
	ChecksumFile string
}

// Verify recomputes the digest of an image's stored bytes and checks it
// against the descriptor and the checksum file.
func (e *Engine) Verify(image string) (VerifyResult, error) {
	const op = "verify"
	base := layout.Base(image)
	res := VerifyResult{Base: base}

	desc, err := metadata.Load(base)
	if err != nil {
		return res, newError(MetadataError, op, err)
	}
	if desc.Chunked {
		if desc.ChunkCount <= 0 {
			return res, errorf(MetadataError, op, "%s: chunked image with chunk_count %d", base, desc.ChunkCount)
		}
		if i := layout.FirstMissing(base, desc.ChunkCount); i >= 0 {
			return res, newError(DeviceError, op, &MissingChunkError{Index: i, Path: layout.ChunkName(base, i)})
		}
	}

	if res.Digest, res.Bytes, err = digestFiles(e.Log, desc.Files(base)); err != nil {
		return res, newError(DeviceError, op, err)
	}

	sumFile := layout.ChecksumFile(base)
	if res.ChecksumFile, err = metadata.ReadChecksumFile(sumFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.Log.Warning("%v", err)
	}

	if desc.ImageChecksumSHA256 == "" {
		return res, errorf(MetadataError, op, "%s: descriptor records no checksum", base)
	}
	if res.Digest != desc.ImageChecksumSHA256 {
		return res, newError(MetadataError, op, fmt.Errorf("%s: %w: computed %s, descriptor %s",
			base, ErrChecksumMismatch, res.Digest, desc.ImageChecksumSHA256))
	}
	if res.ChecksumFile != "" && res.ChecksumFile != res.Digest {
		return res, newError(MetadataError, op, fmt.Errorf("%s: %w: computed %s, %s has %s",
			base, ErrChecksumMismatch, res.Digest, sumFile, res.ChecksumFile))
	}
	return res, nil
}
