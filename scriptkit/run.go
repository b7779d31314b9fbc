package scriptkit

import (
	"bufio"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.unix.lgbt/diamondburned/scriptkit/scriptkit/internal/shell"
	"github.com/pkg/errors"
)

// BufferMode selects how a command's combined output is handled.
type BufferMode int

const (
	// Buffered collects all output and, when verbose, logs it as one message
	// after the command exits. The full buffer is returned in the Result.
	Buffered BufferMode = iota
	// Unbuffered streams each output line to the logger as it arrives and
	// returns an empty buffer.
	Unbuffered
	// Flow streams each line like Unbuffered while also accumulating the raw
	// output into the returned buffer.
	Flow
)

func (m BufferMode) String() string {
	switch m {
	case Buffered:
		return "buffered"
	case Unbuffered:
		return "unbuffered"
	case Flow:
		return "flow"
	default:
		return "unknown"
	}
}

// ParseBufferMode parses the string forms used by command-line flags.
func ParseBufferMode(s string) (BufferMode, error) {
	switch s {
	case "buffered":
		return Buffered, nil
	case "unbuffered":
		return Unbuffered, nil
	case "flow":
		return Flow, nil
	default:
		return 0, errors.Errorf("unknown buffer mode %q", s)
	}
}

// Policy is a Runner's resolved execution configuration. A Runner carries one
// as its per-instance default; each Run call may override individual fields
// through RunOptions.
type Policy struct {
	// FailOnError marks a failing command's Result as Fatal, asking the
	// top-level caller to terminate the script.
	FailOnError bool
	// Verbose logs the command, its working directory and its outcome.
	Verbose bool
	// Buffer selects the output handling mode.
	Buffer BufferMode
	// ReleaseLockOnError releases the most recently acquired lock when the
	// command fails.
	ReleaseLockOnError bool
	// Timeout bounds the command's runtime. Zero means no bound, which is
	// the historical behavior of the toolkit.
	Timeout time.Duration
}

// DefaultPolicy is the hardcoded fallback: fail fast, verbose, buffered, no
// lock release, no timeout.
func DefaultPolicy() Policy {
	return Policy{
		FailOnError: true,
		Verbose:     true,
		Buffer:      Buffered,
	}
}

// RunOption overrides a single Policy field for one Run call.
type RunOption func(*Policy)

// WithBuffer overrides the buffer mode.
func WithBuffer(m BufferMode) RunOption {
	return func(p *Policy) { p.Buffer = m }
}

// WithFailOnError overrides whether a failure is marked Fatal.
func WithFailOnError(fail bool) RunOption {
	return func(p *Policy) { p.FailOnError = fail }
}

// WithVerbose overrides outcome logging.
func WithVerbose(verbose bool) RunOption {
	return func(p *Policy) { p.Verbose = verbose }
}

// WithLockRelease overrides whether a failure releases the last lock.
func WithLockRelease(release bool) RunOption {
	return func(p *Policy) { p.ReleaseLockOnError = release }
}

// WithTimeout bounds the command's runtime for this call.
func WithTimeout(d time.Duration) RunOption {
	return func(p *Policy) { p.Timeout = d }
}

// Result is the outcome of one Run call.
type Result struct {
	// ExitCode is the command's real exit code; -1 if it was killed or never
	// started.
	ExitCode int
	// Output is the combined stdout+stderr. Empty exactly when the resolved
	// buffer mode was Unbuffered.
	Output string
	// Fatal reports that the resolved policy asked for fail-fast handling of
	// this failure. The Runner itself never terminates the process; the
	// caller decides what Fatal means, typically Logger.Abort.
	Fatal bool
}

// Runner executes shell command lines under a Policy, reporting through a
// Logger and coordinating with a LockManager on its failure path.
//
// The command string is handed to the shell as-is, so it may contain pipes
// and redirection. That is a trust boundary: do not pass untrusted input.
type Runner struct {
	// Policy is the per-instance default, overridable per call.
	Policy Policy

	log   *Logger
	locks *LockManager

	mu   sync.Mutex
	dirs []string

	start func(ctx context.Context, command, dir string) (shell.Process, error)
}

// NewRunner creates a runner with the hardcoded default policy.
func NewRunner(log *Logger, locks *LockManager) *Runner {
	return &Runner{
		Policy: DefaultPolicy(),
		log:    log,
		locks:  locks,
		start:  shell.Start,
	}
}

// Run executes command through the shell and returns its Result. The error is
// non-nil only for failures to run or observe the command at all; a plain
// non-zero exit is reported in the Result, with Result.Fatal saying whether
// the resolved policy wants the script to die.
func (r *Runner) Run(ctx context.Context, command string, opts ...RunOption) (Result, error) {
	pol := r.Policy
	for _, opt := range opts {
		opt(&pol)
	}

	dir := r.Workdir()

	if pol.Verbose {
		r.log.Infof("run: %s", command)
		r.log.Infof("in: %s", displayDir(dir))
	}

	if pol.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pol.Timeout)
		defer cancel()
	}

	proc, err := r.start(ctx, command, dir)
	if err != nil {
		err = errors.Wrap(err, "failed to run command")
		r.log.Errorf("command %q: %s", command, err)
		return r.failed(Result{ExitCode: -1}, pol), err
	}

	var output string

	switch pol.Buffer {
	case Buffered:
		b, err := ioutil.ReadAll(proc.Output())
		if err != nil {
			r.log.Warningf("command %q: output truncated: %s", command, err)
		}
		output = string(b)

	case Unbuffered, Flow:
		output = r.stream(proc.Output(), pol.Buffer == Flow)
	}

	status := proc.Wait()
	if status.Err != nil {
		r.log.Errorf("command %q: %s", command, status.Err)
	}

	if pol.Verbose {
		if pol.Buffer == Buffered {
			if output != "" {
				r.log.Info(strings.TrimRight(output, "\r\n"), OutputIndent)
			}
		} else {
			// Lines were already streamed; just note the exit.
			r.log.Infof("command finished with code %d", status.Code)
		}
	}

	res := Result{ExitCode: status.Code, Output: output}

	if status.Code != 0 {
		r.log.Errorf("command %q exited with code %d", command, status.Code)
		res = r.failed(res, pol)
	}

	return res, status.Err
}

// stream logs each output line as it arrives. When keep is true, the raw
// lines (terminators included) are accumulated and returned; otherwise the
// returned string is empty.
func (r *Runner) stream(out io.Reader, keep bool) string {
	br := bufio.NewReader(out)
	var buf strings.Builder

	for {
		line, err := br.ReadString('\n')

		if line != "" {
			r.log.Info(strings.TrimRight(line, "\r\n"), OutputIndent)
			if keep {
				buf.WriteString(line)
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warningf("output truncated: %s", err)
			}
			return buf.String()
		}
	}
}

// failed applies the two-part failure policy: best-effort release of the most
// recent lock, then the fail-fast marker. Release failures log through the
// lock manager and never escalate further.
func (r *Runner) failed(res Result, pol Policy) Result {
	if pol.ReleaseLockOnError && r.locks != nil {
		// Release logs its own explanation on failure.
		r.locks.Release("", false)
	}

	if pol.FailOnError {
		res.Fatal = true
	}

	return res
}

// Pushd pushes dir onto the working-directory stack; subsequent commands run
// there. A relative dir is resolved against the current top of the stack.
func (r *Runner) Pushd(dir string) error {
	if dir == "" {
		err := errors.New("no directory given")
		r.log.Errorf("pushd: %s", err)
		return err
	}

	if !filepath.IsAbs(dir) {
		dir = filepath.Join(displayDir(r.Workdir()), dir)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		r.log.Errorf("pushd: %s", err)
		return errors.Wrap(err, "failed to stat directory")
	}
	if !stat.IsDir() {
		err := errors.Errorf("%q is not a directory", dir)
		r.log.Errorf("pushd: %s", err)
		return err
	}

	r.mu.Lock()
	r.dirs = append(r.dirs, dir)
	r.mu.Unlock()

	if r.Policy.Verbose {
		r.log.Infof("pushd: %s", dir)
	}

	return nil
}

// Popd pops the top of the working-directory stack and returns the directory
// that becomes current.
func (r *Runner) Popd() (string, error) {
	r.mu.Lock()

	if len(r.dirs) == 0 {
		r.mu.Unlock()
		err := errors.New("directory stack is empty")
		r.log.Errorf("popd: %s", err)
		return "", err
	}

	r.dirs = r.dirs[:len(r.dirs)-1]
	dir := ""
	if len(r.dirs) > 0 {
		dir = r.dirs[len(r.dirs)-1]
	}
	r.mu.Unlock()

	if r.Policy.Verbose {
		r.log.Infof("popd: %s", displayDir(dir))
	}

	return dir, nil
}

// Workdir returns the directory commands currently run in. Empty means the
// process working directory.
func (r *Runner) Workdir() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.dirs) == 0 {
		return ""
	}
	return r.dirs[len(r.dirs)-1]
}

// displayDir resolves the empty stack to the process working directory for
// logging and relative-path resolution.
func displayDir(dir string) string {
	if dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
