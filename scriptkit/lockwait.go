package scriptkit

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// lockPollInterval is the fallback probe cadence for AcquireWait. The holder
// may release its flock without removing the file, in which case no fsnotify
// event ever fires for us.
var lockPollInterval = time.Second

// AcquireWait acquires the lock on path, waiting for the current holder to go
// away instead of failing fast. It watches the lock file's directory and
// re-probes whenever the file is removed or renamed, with a coarse poll as a
// safety net. The wait is bounded only by ctx.
//
// I/O errors still fail immediately; only ErrLockHeld is waited out.
func (m *LockManager) AcquireWait(ctx context.Context, path string, quiet bool) (*Lock, error) {
	lock, err := m.acquire(path)
	switch {
	case err == nil:
		if !quiet {
			m.log.Infof("acquired lock on %q", path)
		}
		return lock, nil

	case !errors.Is(err, ErrLockHeld):
		m.log.Errorf("cannot lock %q: %s", path, err)
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	if watcher == nil {
		m.log.Warningf("cannot watch %q for release, polling only", path)
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		var retry bool

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			retry = true

		case evt := <-watcherEvents(watcher):
			retry = evt.Name == path && evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0

		case err := <-watcherErrors(watcher):
			m.log.Warningf("watch error on %q: %s", path, err)
		}

		if !retry {
			continue
		}

		lock, err := m.acquire(path)
		switch {
		case err == nil:
			if !quiet {
				m.log.Infof("acquired lock on %q", path)
			}
			return lock, nil

		case errors.Is(err, ErrLockHeld):
			// Lost the race to another waiter; keep waiting.

		default:
			m.log.Errorf("cannot lock %q: %s", path, err)
			return nil, err
		}
	}
}

// watcherEvents returns a nil channel for a nil watcher so the select above
// simply never fires on it.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func watcherErrors(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}
