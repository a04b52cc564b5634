// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// A nil *Logger is usable and sends everything to stderr.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	out     io.Writer
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stderr, os.Stdout, verbose, debug)
}

// NewLoggerTo returns a Logger that writes diagnostics to w and the
// output of Print to out.
func NewLoggerTo(w, out io.Writer, verbose, debug bool) *Logger {
	l := &Logger{out: out, warning: w, err: w}
	if verbose {
		l.verbose = w
	}
	if debug {
		l.debug = w
	}
	return l
}

// Print writes user-facing output without the caller prefix.
func (l *Logger) Print(f string, args ...interface{}) {
	s := fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	if l == nil {
		fmt.Print(s)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, s)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	if l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	if l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
}

// Fatal reports the error and terminates the program. Only binaries under
// cmd/ should call it; library code returns errors instead.
func (l *Logger) Fatal(f string, args ...interface{}) {
	l.Error(f, args...)
	os.Exit(1)
}

// Errors returns how many times Error has been called.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

func format(f string, args ...interface{}) string {
	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
