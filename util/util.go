// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// ReportingReader wraps an io.Reader that carries one of the streams of an
// imaging pipeline. It periodically logs how many bytes have passed through
// it and the rate at which they did, and keeps a running total that can be
// read concurrently with Count.
type ReportingReader struct {
	R   io.Reader
	Msg string
	Log *Logger

	start                    time.Time
	reportCounter, readBytes int64
	total                    atomic.Int64
}

const reportFrequency = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = reportFrequency
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.total.Add(int64(n))
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += reportFrequency
	}

	return n, err
}

// Count returns the number of bytes read so far.
func (r *ReportingReader) Count() int64 {
	return r.total.Load()
}

func (r *ReportingReader) report(prefix string) {
	if r.start.IsZero() {
		r.start = time.Now()
	}
	r.Log.Verbose("%s%s %s [%s/s]", prefix, r.Msg, FmtBytes(r.readBytes),
		FmtBytes(Rate(r.readBytes, time.Since(r.start))))
}

func (r *ReportingReader) Close() error {
	r.report("Finished. ")

	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

// Rate returns n / d in bytes per second, or 0 for a zero duration.
func Rate(n int64, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(float64(n) / d.Seconds())
}

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}
