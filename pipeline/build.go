// pipeline/build.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/mmp/imprint/backend"
	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/layout"
)

const (
	DefaultHelper  = "pkexec"
	ChecksumTool   = "sha256sum"
	teeFIFOArg     = "/dev/fd/3"
	MonitorCapture = "capture"
	MonitorStored  = "stored"
	MonitorRestore = "restore"
)

// Elevation says how the backend gets the privileges it needs.
type Elevation struct {
	// Privileged means we already are root and run the backend directly.
	Privileged bool
	// Helper is the escalation program; DefaultHelper if empty.
	Helper string
}

func (e Elevation) stage(name, program string, args []string) Stage {
	if e.Privileged {
		return Stage{Name: name, Path: program, Args: args}
	}
	helper := e.Helper
	if helper == "" {
		helper = DefaultHelper
	}
	return Stage{Name: name, Path: helper, Args: append([]string{program}, args...), Elevated: true}
}

type CaptureSpec struct {
	Device  string
	Backend string
	Codec   codec.Profile
	// Base is the image path; chunks are named after it.
	Base string
	// ChunkMB splits the stored stream into files of this many MiB; 0
	// writes a single file.
	ChunkMB   int
	Elevation Elevation
}

// BuildCapture returns the graph
//
//	backend -c -s dev | compressor | tee /dev/fd/3 > base        (or | split)
//	sha256sum < FIFO > base.sha256
//
// so the digest covers exactly the bytes that end up on disk.
func BuildCapture(s CaptureSpec) Graph {
	producer := s.Elevation.stage("backend", s.Backend, backend.CaptureArgs(s.Device))
	producer.Stdin = Source{Kind: FromNothing}
	producer.Stdout = Sink{Kind: ToNext}
	producer.Monitor = MonitorCapture

	compress := Stage{
		Name:   "compress",
		Path:   s.Codec.Compress[0],
		Args:   s.Codec.Compress[1:],
		Stdin:  Source{Kind: FromPrevious},
		Stdout: Sink{Kind: ToNext},
	}

	tee := Stage{
		Name:    "tee",
		Path:    "tee",
		Args:    []string{teeFIFOArg},
		Stdin:   Source{Kind: FromPrevious},
		Monitor: MonitorStored,
		FIFOTee: true,
	}

	stages := []Stage{producer, compress, tee}
	if s.ChunkMB > 0 {
		stages[2].Stdout = Sink{Kind: ToNext}
		stages = append(stages, Stage{
			Name: "split",
			Path: "split",
			Args: []string{"-b", fmt.Sprintf("%dM", s.ChunkMB), "-d", "-a", "3", "-",
				layout.ChunkPrefix(s.Base)},
			Stdin:  Source{Kind: FromPrevious},
			Stdout: Sink{Kind: ToInherit},
		})
	} else {
		stages[2].Stdout = Sink{Kind: ToFile, Path: s.Base}
	}

	return Graph{
		Stages: stages,
		Checksum: Stage{
			Name:   "checksum",
			Path:   ChecksumTool,
			Stdin:  Source{Kind: FromFIFO},
			Stdout: Sink{Kind: ToFile, Path: layout.ChecksumFile(s.Base)},
		},
		FIFODir: filepath.Dir(s.Base),
	}
}

type RestoreSpec struct {
	Device  string
	Backend string
	Codec   codec.Profile
	// Files are the image's data files in order; Chunked says whether
	// they are chunks, which are concatenated with cat.
	Files     []string
	Chunked   bool
	Elevation Elevation
}

// BuildRestore returns the graph
//
//	cat chunks... | tee /dev/fd/3 | decompressor | backend -r -s - -o dev
//	sha256sum < FIFO
//
// with the digest of the stored stream captured for comparison.
func BuildRestore(s RestoreSpec) Graph {
	tee := Stage{
		Name:    "tee",
		Path:    "tee",
		Args:    []string{teeFIFOArg},
		Stdout:  Sink{Kind: ToNext},
		Monitor: MonitorStored,
		FIFOTee: true,
	}

	var stages []Stage
	if s.Chunked {
		stages = append(stages, Stage{
			Name:   "cat",
			Path:   "cat",
			Args:   append([]string{}, s.Files...),
			Stdin:  Source{Kind: FromNothing},
			Stdout: Sink{Kind: ToNext},
		})
		tee.Stdin = Source{Kind: FromPrevious}
	} else {
		var f string
		if len(s.Files) > 0 {
			f = s.Files[0]
		}
		tee.Stdin = Source{Kind: FromFile, Path: f}
	}

	decompress := Stage{
		Name:    "decompress",
		Path:    s.Codec.Decompress[0],
		Args:    s.Codec.Decompress[1:],
		Stdin:   Source{Kind: FromPrevious},
		Stdout:  Sink{Kind: ToNext},
		Monitor: MonitorRestore,
	}

	consumer := s.Elevation.stage("backend", s.Backend, backend.RestoreArgs(s.Device))
	consumer.Stdin = Source{Kind: FromPrevious}
	consumer.Stdout = Sink{Kind: ToInherit}

	stages = append(stages, tee, decompress, consumer)

	var dir string
	if len(s.Files) > 0 {
		dir = filepath.Dir(s.Files[0])
	}
	return Graph{
		Stages: stages,
		Checksum: Stage{
			Name:   "checksum",
			Path:   ChecksumTool,
			Stdin:  Source{Kind: FromFIFO},
			Stdout: Sink{Kind: ToCapture},
		},
		FIFODir: dir,
	}
}
