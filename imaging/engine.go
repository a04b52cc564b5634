// imaging/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package imaging captures partitions into images and restores them,
// tying together device inventory, pipeline construction and execution,
// and the image descriptor.
package imaging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"time"

	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/device"
	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/pipeline"
	"github.com/mmp/imprint/ui"
	"github.com/mmp/imprint/util"
)

// Options are the per-invocation settings.
type Options struct {
	// Privileged is set when already running as root.
	Privileged bool
	// Helper runs the backend with privileges; empty means pkexec, which
	// is refused for unattended runs.
	Helper string
	// Unattended runs never fall back to interactive elevation.
	Unattended bool
	// WorkDir holds the checksum FIFO when the image directory can't.
	WorkDir string
	// Resolve maps a compression selector to a profile; codec.Resolve if
	// nil.
	Resolve func(string) codec.Profile
	Now     func() time.Time
}

type Engine struct {
	Log       *util.Logger
	Inventory device.Inventory
	Runner    *pipeline.Runner
	Prompter  ui.Prompter
	Options   Options
}

func (e *Engine) resolve(selector string) codec.Profile {
	if e.Options.Resolve != nil {
		return e.Options.Resolve(selector)
	}
	return codec.Resolve(selector)
}

func (e *Engine) now() time.Time {
	if e.Options.Now != nil {
		return e.Options.Now()
	}
	return time.Now()
}

func (e *Engine) runner() *pipeline.Runner {
	var r pipeline.Runner
	if e.Runner != nil {
		r = *e.Runner
	}
	if r.Log == nil {
		r.Log = e.Log
	}
	if r.Fallback == "" {
		r.Fallback = e.Options.WorkDir
	}
	return &r
}

// elevation decides how the backend gets root.
func (e *Engine) elevation(op string) (pipeline.Elevation, error) {
	if e.Options.Privileged {
		return pipeline.Elevation{Privileged: true}, nil
	}
	helper := e.Options.Helper
	if helper == "" {
		helper = pipeline.DefaultHelper
	}
	// pkexec asks for a password; nobody can answer it unattended.
	if e.Options.Unattended && filepath.Base(helper) == pipeline.DefaultHelper {
		return pipeline.Elevation{}, errorf(PrivilegeError, op,
			"root privileges are required and no non-interactive escalation helper is configured")
	}
	return pipeline.Elevation{Helper: helper}, nil
}

// digestFiles computes the SHA-256 of the concatenation of files.
func digestFiles(log *util.Logger, files []string) (string, int64, error) {
	cs, err := layout.OpenFiles(files)
	if err != nil {
		return "", 0, err
	}
	defer cs.Close()

	h := sha256.New()
	rr := &util.ReportingReader{R: cs.Reader(), Msg: "checksum", Log: log}
	n, err := io.Copy(h, rr)
	rr.Close()
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
