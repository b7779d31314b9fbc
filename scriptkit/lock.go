package scriptkit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/diamondburned/backwardio"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrLockHeld is returned by Acquire when the non-blocking probe finds the
// lock held elsewhere. It is distinct from I/O errors so callers can retry
// contention without retrying a broken filesystem.
var ErrLockHeld = errors.New("lock held elsewhere")

// ErrNoLock is returned by Release when no lock is outstanding for the
// requested path, or when an implicit release finds nothing acquired.
var ErrNoLock = errors.New("no lock outstanding")

// Lock is an acquired advisory lock: the flock itself plus the append handle
// the provenance line was written through. A Lock is invalidated by Release.
type Lock struct {
	path string
	f    *os.File
	fl   *flock.Flock
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// LockManager acquires and releases advisory, exclusive, non-blocking locks
// on named files. It tracks every lock it holds by path and remembers the
// acquisition order, so the most recent lock can be released implicitly.
type LockManager struct {
	// Identity names the requester in provenance lines. Defaults to the
	// program name and PID.
	Identity string

	log *Logger

	mu    sync.Mutex
	locks map[string]*Lock
	order []string // acquisition order, newest last
}

// NewLockManager creates a lock manager that reports through log.
func NewLockManager(log *Logger) *LockManager {
	return &LockManager{
		Identity: fmt.Sprintf("%s[%d]", filepath.Base(os.Args[0]), os.Getpid()),
		log:      log,
		locks:    map[string]*Lock{},
	}
}

// Acquire probes for an exclusive lock on path. It never waits: if another
// holder has the lock, it fails immediately with ErrLockHeld and the file is
// left unmodified. All failures are logged and returned; none terminate the
// process. On success a provenance line is appended to the file and the lock
// becomes the most recently acquired one.
func (m *LockManager) Acquire(path string, quiet bool) (*Lock, error) {
	lock, err := m.acquire(path)
	if err != nil {
		m.log.Errorf("cannot lock %q: %s", path, err)
		return nil, err
	}

	if !quiet {
		m.log.Infof("acquired lock on %q", path)
	}

	return lock, nil
}

func (m *LockManager) acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("no lock file path given")
	}

	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire lock")
	}

	if !locked {
		return nil, ErrLockHeld
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_SYNC, 0600)
	if err != nil {
		fl.Unlock()
		return nil, errors.Wrap(err, "failed to open file")
	}

	// Detect the race where another writer appended between our open and the
	// lock taking effect.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		fl.Unlock()
		return nil, errors.Wrap(err, "failed to seek to end of file")
	}

	if _, err := fmt.Fprintf(f, "Lock file requested by %s at %s.\n", m.Identity, m.clock().Date()); err != nil {
		// The lock itself is held; a missing provenance line only hurts
		// whoever goes looking for the holder.
		m.log.Warningf("cannot write provenance into %q: %s", path, err)
	}

	lock := &Lock{path: path, f: f, fl: fl}

	m.mu.Lock()
	m.locks[path] = lock
	m.order = append(m.order, path)
	m.mu.Unlock()

	return lock, nil
}

// Release releases the lock on path and removes the lock file. An empty path
// releases the most recently acquired lock. A path that was never acquired by
// this manager is released through a transient handle, so cooperating scripts
// can clean up after each other.
//
// Failure to unlink the file after unlocking is only a warning: the OS-level
// lock is already gone, and the leftover file is cosmetic, not a correctness
// problem.
func (m *LockManager) Release(path string, quiet bool) (*Lock, error) {
	lock, err := m.release(path)
	if err != nil {
		m.log.Errorf("cannot unlock %q: %s", path, err)
		return nil, err
	}

	if !quiet {
		m.log.Infof("released lock on %q", lock.path)
	}

	return lock, nil
}

func (m *LockManager) release(path string) (*Lock, error) {
	m.mu.Lock()

	if path == "" {
		if len(m.order) == 0 {
			m.mu.Unlock()
			return nil, ErrNoLock
		}
		path = m.order[len(m.order)-1]
	}

	lock, ok := m.locks[path]
	m.mu.Unlock()

	if !ok {
		// Not ours; operate on a transient handle for the path, so
		// cooperating scripts can clean up after each other.
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrap(err, "failed to open lock file")
		}
		lock = &Lock{path: path, fl: flock.New(path)}
	}

	if err := lock.fl.Unlock(); err != nil {
		return nil, errors.Wrap(err, "failed to release lock")
	}

	if lock.f != nil {
		lock.f.Close()
	}

	if err := os.Remove(path); err != nil {
		m.log.Warningf("cannot remove lock file %q: %s", path, err)
	}

	m.forget(path)

	return lock, nil
}

// Last returns the most recently acquired lock still held, or nil.
func (m *LockManager) Last() *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return nil
	}

	return m.locks[m.order[len(m.order)-1]]
}

func (m *LockManager) forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, path)

	for i, p := range m.order {
		if p == path {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *LockManager) clock() Clock {
	if m.log != nil && m.log.Clock != nil {
		return m.log.Clock
	}
	return SystemClock{}
}

// LastProvenance reads the newest provenance line from the lock file at path.
// The file is read backwards, so a long-lived lock file stays cheap to
// inspect. An empty file returns io.EOF.
func LastProvenance(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := backwardio.NewScanner(f)

	for {
		line, err := s.ReadUntil('\n')
		if err != nil {
			return "", err
		}
		if len(line) > 0 {
			return string(line), nil
		}
	}
}
