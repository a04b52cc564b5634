// pipeline/graph.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package pipeline describes and runs the chains of external processes
// that capture a partition into an image and write one back.
//
// A Graph is plain data: building one never runs anything, and the
// Runner spawns each stage directly with exec, wiring the pipes itself.
// One extra process, the checksum consumer, reads a copy of the stored
// byte stream from a named pipe that a tee stage writes to as fd 3.
package pipeline

import (
	"strings"
)

type SourceKind int

const (
	FromNothing  SourceKind = iota // /dev/null
	FromPrevious                   // previous stage's stdout
	FromFile                       // Source.Path
	FromFIFO                       // the checksum FIFO
)

type Source struct {
	Kind SourceKind
	Path string
}

type SinkKind int

const (
	ToNext    SinkKind = iota // next stage's stdin
	ToFile                    // Sink.Path, created or truncated
	ToInherit                 // our own stdout
	ToCapture                 // collected in memory (checksum consumer only)
)

type Sink struct {
	Kind SinkKind
	Path string
}

// Stage is one process.
type Stage struct {
	Name string
	Path string
	Args []string

	Stdin  Source
	Stdout Sink

	// If non-empty, the stage's stdout is relayed through the parent,
	// which reports throughput under this label and counts the bytes.
	Monitor string
	// FIFOTee stages get the write end of the checksum FIFO as fd 3.
	FIFOTee bool
	// Elevated stages run Args[0] through the escalation helper in Path.
	Elevated bool
}

// Program returns the executable doing the stage's work, which is not
// Path for an elevated stage.
func (s Stage) Program() string {
	if s.Elevated && len(s.Args) > 0 {
		return s.Args[0]
	}
	return s.Path
}

// Graph is a complete invocation: a linear chain of stages plus the
// checksum consumer.
type Graph struct {
	Stages   []Stage
	Checksum Stage
	// FIFODir is where the checksum FIFO should go if the filesystem
	// there can hold one.
	FIFODir string
}

// Executables lists every program the graph needs, in order, without
// duplicates.
func (g Graph) Executables() []string {
	var ex []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			ex = append(ex, p)
		}
	}
	for _, s := range append(append([]Stage{}, g.Stages...), g.Checksum) {
		add(s.Path)
		add(s.Program())
	}
	return ex
}

// Stage returns the named stage.
func (g Graph) Stage(name string) (Stage, bool) {
	for _, s := range g.Stages {
		if s.Name == name {
			return s, true
		}
	}
	if g.Checksum.Name == name {
		return g.Checksum, true
	}
	return Stage{}, false
}

// String renders the graph as an equivalent shell command line, for logs
// and dry runs. It is never executed.
func (g Graph) String() string {
	var b strings.Builder
	if g.Checksum.Path != "" {
		b.WriteString(g.Checksum.command())
		b.WriteString(" < FIFO")
		b.WriteString(redirect(g.Checksum.Stdout))
		b.WriteString(" & ")
	}
	for i, s := range g.Stages {
		if i > 0 && s.Stdin.Kind == FromPrevious {
			b.WriteString(" | ")
		} else if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(s.command())
		if s.Stdin.Kind == FromFile {
			b.WriteString(" < " + quote(s.Stdin.Path))
		}
		if s.FIFOTee {
			b.WriteString(" 3> FIFO")
		}
		b.WriteString(redirect(s.Stdout))
	}
	return b.String()
}

func (s Stage) command() string {
	parts := []string{quote(s.Path)}
	for _, a := range s.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func redirect(s Sink) string {
	if s.Kind == ToFile {
		return " > " + quote(s.Path)
	}
	return ""
}

// quote single-quotes s if the shell would treat any of it specially.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			strings.ContainsRune("-_./=:,+@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
