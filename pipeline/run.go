// pipeline/run.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mmp/imprint/metadata"
	"github.com/mmp/imprint/util"
)

// StageError reports the stage that failed a run.
type StageError struct {
	Stage    string
	ExitCode int // -1 if killed by a signal
	Err      error
}

func (e *StageError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("%s: exited with status %d", e.Stage, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Outcome describes a completed run.
type Outcome struct {
	// FIFODir is where the checksum FIFO was created; Fallback is set if
	// that was not the graph's own FIFODir.
	FIFODir  string
	Fallback bool
	// Bytes counts what passed through each monitored stage.
	Bytes map[string]int64
	// Digest is what the checksum consumer produced, or "" if it failed
	// or its output could not be read.
	Digest   string
	Duration time.Duration
}

// Runner runs Graphs.
type Runner struct {
	Log *util.Logger
	// Fallback holds the FIFO when the graph's directory can't;
	// DefaultWorkDir if empty.
	Fallback string
	// LookPath resolves stage programs; exec.LookPath if nil.
	LookPath func(string) (string, error)
	// Stderr receives the stages' stderr; os.Stderr if nil.
	Stderr io.Writer

	probe func(dir string) (bool, error)
}

func (r *Runner) lookPath(name string) (string, error) {
	if r.LookPath != nil {
		return r.LookPath(name)
	}
	return exec.LookPath(name)
}

// Check resolves every program the graph needs and reports all that are
// missing.
func (r *Runner) Check(g Graph) error {
	var missing []string
	for _, p := range g.Executables() {
		if _, err := r.lookPath(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required programs not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *Runner) fifoDir(g Graph) (string, bool, error) {
	probe := r.probe
	if probe == nil {
		probe = FIFOCapable
	}
	if g.FIFODir != "" {
		ok, err := probe(g.FIFODir)
		if err != nil {
			return "", false, err
		}
		if ok {
			return g.FIFODir, false, nil
		}
	}

	dir := r.Fallback
	if dir == "" {
		dir = DefaultWorkDir
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", true, err
	}
	r.Log.Verbose("%s can't hold a FIFO; using %s", g.FIFODir, dir)
	return dir, true, nil
}

// run is the state of one invocation.
type run struct {
	cmds    []*exec.Cmd
	names   []string
	started []bool
	// Files the children inherited; closed once they are all started.
	inherited []*os.File
	// Files we opened for sinks; closed when the run ends.
	owned  []*os.File
	relays errgroup.Group
	pgid   int
	sum    bytes.Buffer
	counts map[string]*util.ReportingReader
}

func (st *run) closeInherited() {
	for _, f := range st.inherited {
		f.Close()
	}
	st.inherited = nil
}

func (st *run) disown(f *os.File) {
	for i, g := range st.inherited {
		if g == f {
			st.inherited = append(st.inherited[:i], st.inherited[i+1:]...)
			return
		}
	}
}

func (st *run) closeOwned() {
	for _, f := range st.owned {
		f.Close()
	}
	st.owned = nil
}

// start starts cmd in the run's process group, which the first command
// started creates.
func (st *run) start(cmd *exec.Cmd, name string) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: st.pgid}
	st.cmds = append(st.cmds, cmd)
	st.names = append(st.names, name)
	if err := cmd.Start(); err != nil {
		st.started = append(st.started, false)
		return &StageError{Stage: name, ExitCode: -1, Err: err}
	}
	st.started = append(st.started, true)
	if st.pgid == 0 {
		st.pgid = cmd.Process.Pid
	}
	return nil
}

func (st *run) kill() {
	if st.pgid != 0 {
		unix.Kill(-st.pgid, unix.SIGKILL)
	}
}

// Run executes g and waits for every process in it. The first stage to
// fail, counting from the producer end, fails the run; canceling ctx
// kills every process. The FIFO is always removed before Run returns.
func (r *Runner) Run(ctx context.Context, g Graph) (Outcome, error) {
	out := Outcome{Bytes: make(map[string]int64)}
	start := time.Now()

	if len(g.Stages) == 0 {
		return out, errors.New("empty pipeline")
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	paths := make(map[string]string)
	for _, s := range append(append([]Stage{}, g.Stages...), g.Checksum) {
		p, err := r.lookPath(s.Path)
		if err != nil {
			return out, &StageError{Stage: s.Name, ExitCode: -1, Err: err}
		}
		paths[s.Name] = p
	}

	dir, fallback, err := r.fifoDir(g)
	if err != nil {
		return out, err
	}
	out.FIFODir, out.Fallback = dir, fallback

	ff, err := openFIFO(dir)
	if err != nil {
		return out, err
	}
	defer func() {
		if err := ff.remove(); err != nil {
			r.Log.Warning("%s: %v", ff.path, err)
		}
	}()

	r.Log.Verbose("running: %s", g)

	stderr := r.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	st := &run{counts: make(map[string]*util.ReportingReader)}
	defer st.closeOwned()
	defer st.closeInherited()

	// The consumer must be reading the FIFO before anything writes it.
	consumer := exec.Command(paths[g.Checksum.Name], g.Checksum.Args...)
	consumer.Stdin = ff.r
	consumer.Stderr = stderr
	switch g.Checksum.Stdout.Kind {
	case ToFile:
		f, err := os.Create(g.Checksum.Stdout.Path)
		if err != nil {
			return out, err
		}
		st.owned = append(st.owned, f)
		consumer.Stdout = f
	case ToCapture:
		consumer.Stdout = &st.sum
	default:
		consumer.Stdout = os.Stdout
	}
	if err := st.start(consumer, g.Checksum.Name); err != nil {
		return out, err
	}
	// Only the consumer holds the read end now.
	ff.r.Close()
	ff.r = nil

	done := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		select {
		case <-ctx.Done():
			st.kill()
		case <-done:
		}
	}()

	startErr := r.startStages(ctx, g, paths, ff, st, stderr)
	// A stage started after the watcher fired would otherwise survive.
	if startErr != nil || ctx.Err() != nil {
		st.kill()
	}
	// Our copies of the pipe ends and the FIFO's write end must go so
	// that every reader sees EOF when its writer exits.
	st.closeInherited()
	ff.closeEnds()

	// Wait for the stages, then for the consumer, which may still be
	// draining the FIFO.
	errs := make([]error, len(st.cmds))
	for i := 1; i < len(st.cmds); i++ {
		if st.started[i] {
			errs[i] = st.cmds[i].Wait()
		}
	}
	relayErr := st.relays.Wait()
	errs[0] = st.cmds[0].Wait()

	close(done)
	watch.Wait()
	st.closeOwned()

	for label, rr := range st.counts {
		rr.Close()
		out.Bytes[label] = rr.Count()
	}
	out.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("pipeline canceled: %w", err)
	}
	if startErr != nil {
		return out, startErr
	}
	if err := firstFailure(st.names[1:], errs[1:]); err != nil {
		return out, err
	}
	if relayErr != nil {
		return out, fmt.Errorf("relaying stage output: %w", relayErr)
	}

	if errs[0] != nil {
		r.Log.Warning("%s failed: %v", g.Checksum.Name, errs[0])
	} else {
		out.Digest = r.digest(g.Checksum, st)
	}
	return out, nil
}

// startStages starts g's stages in order, connecting each to the next.
// It stops at the first stage not yet started once ctx is canceled.
func (r *Runner) startStages(ctx context.Context, g Graph, paths map[string]string, ff *fifo, st *run, stderr io.Writer) error {
	var prev *os.File // read end of the previous stage's output
	for i, s := range g.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := exec.Command(paths[s.Name], s.Args...)
		cmd.Stderr = stderr

		switch s.Stdin.Kind {
		case FromPrevious:
			if prev == nil {
				return fmt.Errorf("%s: no previous stage to read from", s.Name)
			}
			cmd.Stdin = prev
		case FromFile:
			f, err := os.Open(s.Stdin.Path)
			if err != nil {
				return &StageError{Stage: s.Name, ExitCode: -1, Err: err}
			}
			st.inherited = append(st.inherited, f)
			cmd.Stdin = f
		case FromFIFO:
			return fmt.Errorf("%s: only the checksum consumer reads the FIFO", s.Name)
		}
		prev = nil

		if s.FIFOTee {
			cmd.ExtraFiles = []*os.File{ff.w}
		}

		// dst is where the stage's output finally goes.
		var dst *os.File
		switch s.Stdout.Kind {
		case ToNext:
			if i == len(g.Stages)-1 {
				return fmt.Errorf("%s: last stage has no next stage", s.Name)
			}
			pr, pw, err := os.Pipe()
			if err != nil {
				return err
			}
			st.inherited = append(st.inherited, pr, pw)
			dst, prev = pw, pr
		case ToFile:
			f, err := os.OpenFile(s.Stdout.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return &StageError{Stage: s.Name, ExitCode: -1, Err: err}
			}
			st.owned = append(st.owned, f)
			dst = f
		case ToInherit:
			dst = os.Stdout
		default:
			return fmt.Errorf("%s: unsupported output", s.Name)
		}

		if s.Monitor == "" {
			cmd.Stdout = dst
		} else {
			// Relay through a pipe of our own so the bytes can be counted.
			mr, mw, err := os.Pipe()
			if err != nil {
				return err
			}
			st.inherited = append(st.inherited, mw)
			cmd.Stdout = mw
			rr := &util.ReportingReader{R: mr, Msg: s.Monitor, Log: r.Log}
			st.counts[s.Monitor] = rr
			ownDst := s.Stdout.Kind == ToNext
			if ownDst {
				// The relay owns the write end of the downstream pipe so
				// the next stage sees EOF exactly when the relay is done.
				st.disown(dst)
			}
			st.relays.Go(func() error {
				_, err := io.Copy(dst, rr)
				// Unblock the upstream stage if the downstream one quit.
				mr.Close()
				if ownDst {
					dst.Close()
				}
				if errors.Is(err, syscall.EPIPE) {
					return nil
				}
				return err
			})
		}

		if err := st.start(cmd, s.Name); err != nil {
			return err
		}
	}
	return nil
}

// firstFailure picks the error to report for a run. Stages upstream of a
// failure usually die of SIGPIPE as a consequence, so those are only
// reported when nothing else failed.
func firstFailure(names []string, errs []error) error {
	var sigpipe error
	for i, err := range errs {
		if err == nil {
			continue
		}
		se := &StageError{Stage: names[i], ExitCode: -1, Err: err}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			se.ExitCode = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() &&
				ws.Signal() == syscall.SIGPIPE {
				if sigpipe == nil {
					sigpipe = se
				}
				continue
			}
		}
		return se
	}
	return sigpipe
}

func (r *Runner) digest(s Stage, st *run) string {
	var text string
	switch s.Stdout.Kind {
	case ToCapture:
		text = st.sum.String()
	case ToFile:
		b, err := os.ReadFile(s.Stdout.Path)
		if err != nil {
			r.Log.Warning("%s: %v", s.Stdout.Path, err)
			return ""
		}
		text = string(b)
	}
	f := strings.Fields(text)
	if len(f) == 0 || !metadata.ValidDigest(f[0]) {
		r.Log.Warning("%s produced no usable digest", s.Name)
		return ""
	}
	return f[0]
}
