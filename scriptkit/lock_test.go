package scriptkit

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestLockManager(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		l, _, errb := newTestLogger()
		m := NewLockManager(l)
		m.Identity = "tester"

		path := filepath.Join(t.TempDir(), "build.lock")

		lock, err := m.Acquire(path, false)
		if err != nil {
			t.Fatal("failed to acquire:", err)
		}
		if lock.Path() != path {
			t.Errorf("unexpected lock path %q", lock.Path())
		}

		b, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal("lock file missing after acquire:", err)
		}
		line := string(b)
		if !strings.HasPrefix(line, "Lock file requested by tester at ") {
			t.Errorf("unexpected provenance %q", line)
		}
		if !strings.HasSuffix(line, ".\n") {
			t.Errorf("provenance not terminated: %q", line)
		}

		if _, err := m.Release(path, false); err != nil {
			t.Fatal("failed to release:", err)
		}

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("lock file still exists after release")
		}
		if errb.Len() != 0 {
			t.Errorf("unexpected warnings/errors: %q", errb.String())
		}

		// The path must be acquirable again.
		if _, err := m.Acquire(path, false); err != nil {
			t.Fatal("failed to re-acquire:", err)
		}
		m.Release(path, true)
	})

	t.Run("contention", func(t *testing.T) {
		l1, _, _ := newTestLogger()
		l2, _, err2 := newTestLogger()

		holder := NewLockManager(l1)
		probe := NewLockManager(l2)

		path := filepath.Join(t.TempDir(), "busy.lock")

		if _, err := holder.Acquire(path, true); err != nil {
			t.Fatal("failed to acquire:", err)
		}

		before, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal("failed to read lock file:", err)
		}

		_, err = probe.Acquire(path, true)
		if !errors.Is(err, ErrLockHeld) {
			t.Fatalf("expected ErrLockHeld, got %v", err)
		}
		if !strings.Contains(err2.String(), "cannot lock") {
			t.Errorf("contention not logged: %q", err2.String())
		}

		after, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal("failed to read lock file:", err)
		}
		if string(before) != string(after) {
			t.Error("failed probe modified the lock file")
		}

		holder.Release(path, true)
	})

	t.Run("release without lock", func(t *testing.T) {
		l, _, errb := newTestLogger()
		m := NewLockManager(l)

		_, err := m.Release("", false)
		if !errors.Is(err, ErrNoLock) {
			t.Fatalf("expected ErrNoLock, got %v", err)
		}
		if !strings.Contains(errb.String(), "cannot unlock") {
			t.Errorf("failure not logged: %q", errb.String())
		}
	})

	t.Run("release foreign path", func(t *testing.T) {
		l, _, _ := newTestLogger()
		m := NewLockManager(l)

		dir := t.TempDir()
		stale := filepath.Join(dir, "stale.lock")

		// A lock file left behind by another script.
		if err := ioutil.WriteFile(stale, []byte("Lock file requested by elsewhere at DATE.\n"), 0600); err != nil {
			t.Fatal("failed to seed lock file:", err)
		}

		if _, err := m.Release(stale, true); err != nil {
			t.Fatal("failed to release foreign lock:", err)
		}
		if _, err := os.Stat(stale); !os.IsNotExist(err) {
			t.Error("stale lock file not removed")
		}

		// A path that never existed fails cleanly.
		if _, err := m.Release(filepath.Join(dir, "missing.lock"), true); err == nil {
			t.Error("release of missing path succeeded")
		}
	})

	t.Run("empty path acquire", func(t *testing.T) {
		l, _, _ := newTestLogger()
		m := NewLockManager(l)

		if _, err := m.Acquire("", true); err == nil {
			t.Fatal("expected error for empty path")
		}
	})

	t.Run("implicit release targets newest", func(t *testing.T) {
		l, _, _ := newTestLogger()
		m := NewLockManager(l)

		dir := t.TempDir()
		first := filepath.Join(dir, "first.lock")
		second := filepath.Join(dir, "second.lock")

		if _, err := m.Acquire(first, true); err != nil {
			t.Fatal("failed to acquire first:", err)
		}
		if _, err := m.Acquire(second, true); err != nil {
			t.Fatal("failed to acquire second:", err)
		}

		if last := m.Last(); last == nil || last.Path() != second {
			t.Fatalf("unexpected last lock %v", last)
		}

		released, err := m.Release("", true)
		if err != nil {
			t.Fatal("failed to release:", err)
		}
		if released.Path() != second {
			t.Errorf("released %q, expected %q", released.Path(), second)
		}

		// The older lock is still tracked and becomes the newest.
		if last := m.Last(); last == nil || last.Path() != first {
			t.Fatalf("unexpected last lock after release: %v", last)
		}

		m.Release("", true)

		if m.Last() != nil {
			t.Error("locks remain after releasing everything")
		}
	})

	t.Run("quiet", func(t *testing.T) {
		l, out, _ := newTestLogger()
		m := NewLockManager(l)

		path := filepath.Join(t.TempDir(), "quiet.lock")

		m.Acquire(path, true)
		m.Release(path, true)

		if out.Len() != 0 {
			t.Errorf("quiet operations logged: %q", out.String())
		}
	})
}

func TestLastProvenance(t *testing.T) {
	l, _, _ := newTestLogger()
	m := NewLockManager(l)
	m.Identity = "first"

	path := filepath.Join(t.TempDir(), "prov.lock")

	if _, err := m.Acquire(path, true); err != nil {
		t.Fatal("failed to acquire:", err)
	}

	// A second provenance line lands when another requester appends to the
	// same file; fake it directly.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal("failed to open lock file:", err)
	}
	if _, err := f.WriteString("Lock file requested by second at DATE.\n"); err != nil {
		t.Fatal("failed to append:", err)
	}
	f.Close()

	line, err := LastProvenance(path)
	if err != nil {
		t.Fatal("failed to read provenance:", err)
	}
	if line != "Lock file requested by second at DATE." {
		t.Errorf("unexpected provenance %q", line)
	}

	m.Release(path, true)
}
