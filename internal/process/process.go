// Package process runs external tools, alone or joined by a pipe, and streams
// their merged output line by line.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrKilled is returned by Wait when the run was cancelled.
var ErrKilled = errors.New("process killed")

// ExitKilled is the exit code reported for a cancelled run.
const ExitKilled = -1

// Options configures a run.
type Options struct {
	Dir string
	// OnLine receives every output line of every stage. It is called from a
	// single goroutine.
	OnLine func(line string)
}

// Run is a started process or pipe of processes.
type Run struct {
	cmds   []*exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
}

// Start launches stages, connecting the stdout of each stage to the stdin of
// the next. Stderr of every stage and stdout of the last one are merged and
// delivered to opts.OnLine.
func Start(ctx context.Context, stages [][]string, opts Options) (*Run, error) {
	if len(stages) == 0 {
		return nil, errors.New("process: no stages")
	}
	for i, argv := range stages {
		if len(argv) == 0 {
			return nil, fmt.Errorf("process: stage %d has no command", i)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Run{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	outR, outW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("process: output pipe: %w", err)
	}

	var parentEnds []*os.File
	closeParentEnds := func() {
		for _, f := range parentEnds {
			f.Close()
		}
	}

	var prevRead *os.File
	for i, argv := range stages {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = opts.Dir
		cmd.Stderr = outW
		if prevRead != nil {
			cmd.Stdin = prevRead
		}
		if i == len(stages)-1 {
			cmd.Stdout = outW
		} else {
			pr, pw, err := os.Pipe()
			if err != nil {
				cancel()
				outR.Close()
				outW.Close()
				closeParentEnds()
				return nil, fmt.Errorf("process: stage pipe: %w", err)
			}
			cmd.Stdout = pw
			parentEnds = append(parentEnds, pr, pw)
			prevRead = pr
		}
		r.cmds = append(r.cmds, cmd)
	}

	started := 0
	for _, cmd := range r.cmds {
		if err := cmd.Start(); err != nil {
			cancel()
			for _, c := range r.cmds[:started] {
				_ = c.Wait()
			}
			outR.Close()
			outW.Close()
			closeParentEnds()
			return nil, fmt.Errorf("process: start %s: %w", cmd.Path, err)
		}
		started++
	}
	// children hold their own copies now
	outW.Close()
	closeParentEnds()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(outR, opts.OnLine)
	}()

	go r.wait(scanned, outR)
	return r, nil
}

func (r *Run) wait(scanned <-chan struct{}, outR *os.File) {
	codes := make([]int, len(r.cmds))
	var errs []error
	for i, cmd := range r.cmds {
		err := cmd.Wait()
		codes[i] = exitCode(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cmd.Path, err))
		}
	}
	<-scanned
	outR.Close()

	code := 0
	if last := codes[len(codes)-1]; last != 0 {
		code = last
	} else {
		for _, c := range codes {
			if c != 0 {
				code = c
				break
			}
		}
	}

	r.mu.Lock()
	switch {
	case r.ctx.Err() != nil && code != 0:
		r.exitCode = ExitKilled
		r.err = ErrKilled
	default:
		r.exitCode = code
		r.err = errors.Join(errs...)
	}
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code != -1 {
			return code
		}
		return ExitKilled
	}
	return ExitKilled
}

// Done is closed when every stage has exited and all output was delivered.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its exit code. The exit
// code is that of the last stage, or of the first failing stage when the
// last one succeeded.
func (r *Run) Wait() (int, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode, r.err
}

// Kill terminates every stage. It is safe to call more than once.
func (r *Run) Kill() { r.cancel() }

// String renders the command line, stages joined by a pipe.
func (r *Run) String() string {
	parts := make([]string, len(r.cmds))
	for i, cmd := range r.cmds {
		parts[i] = strings.Join(cmd.Args, " ")
	}
	return strings.Join(parts, " | ")
}

// scanLines splits on both newlines and carriage returns, since progress
// meters redraw a single line with \r.
func scanLines(rd io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(splitLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || onLine == nil {
			continue
		}
		onLine(line)
	}
	// drain whatever is left so writers never block
	_, _ = io.Copy(io.Discard, rd)
}

func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
