package shell

import (
	"io"
	"strings"
)

type scriptedProcess struct {
	out  io.Reader
	code int
	err  error
}

// NewScriptedProcess creates a process that replays canned output and exits
// with the given code. It is used for testing.
func NewScriptedProcess(output string, code int, err error) Process {
	return &scriptedProcess{
		out:  strings.NewReader(output),
		code: code,
		err:  err,
	}
}

func (p *scriptedProcess) Output() io.Reader { return p.out }

func (p *scriptedProcess) Wait() ExitStatus {
	return ExitStatus{Code: p.code, Err: p.err}
}
