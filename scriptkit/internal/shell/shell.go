// Package shell provides an abstraction around running a command line through
// the host shell for easier testing.
package shell

import (
	"context"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// ShellPath is the shell every command line is handed to. The command string
// may therefore use pipes, redirection and any other shell syntax.
var ShellPath = "/bin/sh"

// Process describes a started shell command.
type Process interface {
	// Output streams the combined stdout+stderr of the command. It must be
	// drained before Wait is called.
	Output() io.Reader
	// Wait blocks until the command exits and returns its status.
	Wait() ExitStatus
}

// ExitStatus is a command's exit status. Code carries the real exit code as
// extracted from the process termination status; Err is set only for failures
// that are not a plain non-zero exit.
type ExitStatus struct {
	Code int // -1 if killed or never started
	Err  error
}

type process struct {
	cmd  *exec.Cmd
	pipe io.Reader
}

var _ Process = (*process)(nil)

// Start launches command through the shell with dir as its working directory
// (empty keeps the caller's). stdout and stderr are merged into one pipe so
// output interleaves the way a terminal would show it.
func Start(ctx context.Context, command, dir string) (Process, error) {
	cmd := exec.CommandContext(ctx, ShellPath, "-c", command)
	cmd.Dir = dir

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open output pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start shell")
	}

	return &process{cmd: cmd, pipe: pipe}, nil
}

func (p *process) Output() io.Reader { return p.pipe }

func (p *process) Wait() ExitStatus {
	err := p.cmd.Wait()

	// ExitCode does the POSIX status decoding for us; a plain non-zero exit
	// is data, not an error.
	if _, ok := err.(*exec.ExitError); ok {
		err = nil
	}

	return ExitStatus{
		Code: p.cmd.ProcessState.ExitCode(),
		Err:  err,
	}
}
