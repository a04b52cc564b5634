// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// newLimiter returns a limiter allowing bytesPerSecond, or nil for an
// unlimited rate. The 94/100 factor adds some slop to account for TCP/IP
// overhead and HTTP headers so that the actual bandwidth used doesn't
// exceed the limit. At most one second's worth of transmission is ever
// queued up.
func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	r := rate.Limit(float64(bytesPerSecond) * 94 / 100)
	return rate.NewLimiter(r, bytesPerSecond)
}

// rateLimitedReader returns no more bytes than its limiter allows; as
// long as all uploads (or downloads) go through readers sharing one
// limiter, they stay under the bandwidth limit together.
type rateLimitedReader struct {
	ctx context.Context
	R   io.Reader
	lim *rate.Limiter
}

func limitReader(ctx context.Context, r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, R: r, lim: lim}
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	// Never ask for more than the bucket can hold.
	if len(dst) > lr.lim.Burst() {
		dst = dst[:lr.lim.Burst()]
	}
	n, err := lr.R.Read(dst)
	if n > 0 {
		if werr := lr.lim.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
