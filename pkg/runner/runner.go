package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Result is the outcome of a finished command or pipeline
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands. A non-zero exit is reported through
// Result.ExitCode; the error return is reserved for commands that could not
// be started at all.
type Runner interface {
	// Run executes args to completion, feeding stdin to the process when non-nil
	Run(ctx context.Context, args []string, stdin io.Reader) (*Result, error)
	// RunTo executes args with stdout streamed to w instead of captured
	RunTo(ctx context.Context, args []string, w io.Writer) (*Result, error)
	// Pipe connects the stdout of each stage to the stdin of the next
	Pipe(ctx context.Context, stages ...[]string) (*Result, error)
}

// Executor runs commands as real OS processes
type Executor struct {
	debug bool
}

// NewExecutor creates an Executor; debug enables command tracing at klog V(1)
func NewExecutor(debug bool) *Executor {
	return &Executor{debug: debug}
}

// waitDelay bounds how long Wait blocks on I/O after the context kills a process
const waitDelay = 5 * time.Second

func (e *Executor) command(ctx context.Context, args []string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.WaitDelay = waitDelay
	return cmd, nil
}

// logCommand logs the command being executed if debug mode is enabled
func (e *Executor) logCommand(stages ...[]string) {
	if !e.debug {
		return
	}
	parts := make([]string, 0, len(stages))
	for _, stage := range stages {
		parts = append(parts, strings.Join(stage, " "))
	}
	klog.V(1).Infof(" Executing command: %s", strings.Join(parts, " | "))
}

// logCommandResult logs the command result if debug mode is enabled
func (e *Executor) logCommandResult(res *Result) {
	if !e.debug {
		return
	}
	klog.V(1).Infof(" Exit code: %d", res.ExitCode)
	if len(res.Stdout) > 0 {
		klog.V(1).Infof(" stdout: %s", res.Stdout)
	}
	if len(res.Stderr) > 0 {
		klog.V(1).Infof(" stderr: %s", res.Stderr)
	}
}

func (e *Executor) Run(ctx context.Context, args []string, stdin io.Reader) (*Result, error) {
	var stdout bytes.Buffer
	res, err := e.run(ctx, args, stdin, &stdout)
	if err != nil {
		return nil, err
	}
	res.Stdout = stdout.String()
	e.logCommandResult(res)
	return res, nil
}

func (e *Executor) RunTo(ctx context.Context, args []string, w io.Writer) (*Result, error) {
	res, err := e.run(ctx, args, nil, w)
	if err != nil {
		return nil, err
	}
	e.logCommandResult(res)
	return res, nil
}

func (e *Executor) run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) (*Result, error) {
	cmd, err := e.command(ctx, args)
	if err != nil {
		return nil, err
	}
	e.logCommand(args)

	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	code, err := exitCode(cmd.Wait())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", args[0], err)
	}
	if code != 0 && ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", args[0], ctx.Err())
	}

	return &Result{ExitCode: code, Stderr: stderr.String()}, nil
}

// Pipe runs the stages concurrently, each stage's stdout feeding the next
// stage's stdin through an OS pipe. The exit code is the rightmost non-zero
// stage exit code (pipefail); stderr is every stage's stderr in stage order.
func (e *Executor) Pipe(ctx context.Context, stages ...[]string) (*Result, error) {
	if len(stages) == 0 {
		return nil, errors.New("empty pipeline")
	}

	cmds := make([]*exec.Cmd, len(stages))
	stderrs := make([]bytes.Buffer, len(stages))
	for i, args := range stages {
		cmd, err := e.command(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		cmd.Stderr = &stderrs[i]
		cmds[i] = cmd
	}
	e.logCommand(stages...)

	// Parent copies of the pipe ends, closed once every stage has started
	var ends []*os.File
	closeEnds := func() {
		for _, f := range ends {
			f.Close()
		}
		ends = nil
	}
	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeEnds()
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		ends = append(ends, r, w)
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
	}
	var stdout bytes.Buffer
	cmds[len(cmds)-1].Stdout = &stdout

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			closeEnds()
			for _, started := range cmds[:i] {
				started.Process.Kill()
				started.Wait()
			}
			return nil, fmt.Errorf("failed to start %s: %w", stages[i][0], err)
		}
	}
	closeEnds()

	res := &Result{}
	var waitErr error
	for i, cmd := range cmds {
		code, err := exitCode(cmd.Wait())
		if err != nil && waitErr == nil {
			waitErr = fmt.Errorf("%s: %w", stages[i][0], err)
		}
		if code != 0 {
			res.ExitCode = code
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if res.ExitCode != 0 && ctx.Err() != nil {
		return nil, fmt.Errorf("pipeline: %w", ctx.Err())
	}

	var stderr strings.Builder
	for i := range stderrs {
		stderr.Write(stderrs[i].Bytes())
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	e.logCommandResult(res)

	return res, nil
}

// exitCode separates a process exit status from a failure to wait on it
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
