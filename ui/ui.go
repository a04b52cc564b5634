// ui/ui.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package ui asks the operator questions.
package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ErrNoTerminal is returned by Confirm when there is nobody to ask.
var ErrNoTerminal = errors.New("confirmation needed but stdin is not a terminal")

type Prompter interface {
	// Confirm asks a yes/no question; the default answer is no.
	Confirm(question string) (bool, error)
	Info(msg string)
	Error(msg string)
}

// Terminal prompts on a terminal.
type Terminal struct {
	In  io.Reader
	Out io.Writer
	// Interactive overrides the terminal check on In.
	Interactive func() bool

	r *bufio.Reader
}

// NewTerminal returns a Terminal on stdin and stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) interactive() bool {
	if t.Interactive != nil {
		return t.Interactive()
	}
	f, ok := t.In.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (t *Terminal) Confirm(question string) (bool, error) {
	if !t.interactive() {
		return false, ErrNoTerminal
	}
	if t.r == nil {
		t.r = bufio.NewReader(t.In)
	}
	fmt.Fprintf(t.Out, "%s [y/N] ", question)
	line, err := t.r.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (t *Terminal) Info(msg string) {
	fmt.Fprintln(t.Out, msg)
}

func (t *Terminal) Error(msg string) {
	fmt.Fprintln(t.Out, "error: "+msg)
}

// Scripted answers every question the same way; for unattended runs
// and tests.
type Scripted struct {
	Answer bool
	Asked  []string
}

func (s *Scripted) Confirm(question string) (bool, error) {
	s.Asked = append(s.Asked, question)
	return s.Answer, nil
}

func (s *Scripted) Info(string)  {}
func (s *Scripted) Error(string) {}
