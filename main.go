package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"git.unix.lgbt/diamondburned/scriptkit/scriptkit"
)

var (
	quiet      bool
	workdir    string
	bufferMode string
	keepGoing  bool
	releaseOnE bool
	timeout    time.Duration
)

func init() {
	flag.BoolVar(&quiet, "q", false, "suppress info logging")
	flag.StringVar(&workdir, "C", "", "working directory for run")
	flag.StringVar(&bufferMode, "b", "buffered", "buffer mode: buffered|unbuffered|flow")
	flag.BoolVar(&keepGoing, "k", false, "keep going: return the exit code instead of aborting")
	flag.BoolVar(&releaseOnE, "r", false, "release the last lock when the command fails")
	flag.DurationVar(&timeout, "t", 0, "command timeout (0 = none)")
	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(flag.CommandLine.Output(), f, v...)
		}

		f("Usage:\n")
		f("  %s [flags] run <command>\n", filepath.Base(os.Args[0]))
		f("  %s [flags] lock <path>\n", filepath.Base(os.Args[0]))
		f("  %s [flags] unlock [path]\n", filepath.Base(os.Args[0]))
		f("  %s holder <path>\n", filepath.Base(os.Args[0]))
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
}

func main() {
	log := scriptkit.NewLogger(os.Stdout, os.Stderr)
	locks := scriptkit.NewLockManager(log)

	switch flag.Arg(0) {
	case "run":
		run(log, locks)
	case "lock":
		lock(log, locks)
	case "unlock":
		unlock(log, locks)
	case "holder":
		holder(log)
	case "":
		log.Abort("missing subcommand", 2)
	default:
		log.Abort(fmt.Sprintf("unknown subcommand %q", flag.Arg(0)), 2)
	}
}

func run(log *scriptkit.Logger, locks *scriptkit.LockManager) {
	command := flag.Arg(1)
	if command == "" {
		log.Abort("run: missing command", 2)
	}

	mode, err := scriptkit.ParseBufferMode(bufferMode)
	if err != nil {
		log.Abort(err.Error(), 2)
	}

	r := scriptkit.NewRunner(log, locks)
	if workdir != "" {
		if err := r.Pushd(workdir); err != nil {
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, _ := r.Run(ctx, command,
		scriptkit.WithBuffer(mode),
		scriptkit.WithVerbose(!quiet),
		scriptkit.WithFailOnError(!keepGoing),
		scriptkit.WithLockRelease(releaseOnE),
		scriptkit.WithTimeout(timeout),
	)

	// The runner never exits on its own; honoring Fatal is this wrapper's
	// job.
	if res.Fatal {
		log.Abort(fmt.Sprintf("command failed with code %d", res.ExitCode), nonZero(res.ExitCode))
	}

	os.Exit(res.ExitCode)
}

func lock(log *scriptkit.Logger, locks *scriptkit.LockManager) {
	path := flag.Arg(1)
	if path == "" {
		log.Abort("lock: missing path", 2)
	}

	if _, err := locks.Acquire(path, quiet); err != nil {
		os.Exit(1)
	}

	// The flock dies with this process; the file and its provenance line
	// stay behind for the unlock subcommand to clean up.
}

func unlock(log *scriptkit.Logger, locks *scriptkit.LockManager) {
	if _, err := locks.Release(flag.Arg(1), quiet); err != nil {
		os.Exit(1)
	}
}

func holder(log *scriptkit.Logger) {
	path := flag.Arg(1)
	if path == "" {
		log.Abort("holder: missing path", 2)
	}

	line, err := scriptkit.LastProvenance(path)
	if err != nil {
		log.Errorf("cannot read %q: %s", path, err)
		os.Exit(1)
	}

	fmt.Println(line)
}

func nonZero(code int) int {
	if code <= 0 {
		return 1
	}
	return code
}
