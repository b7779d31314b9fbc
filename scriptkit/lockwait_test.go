package scriptkit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestAcquireWait(t *testing.T) {
	// Keep the fallback poll tight so the tests don't crawl.
	restore := lockPollInterval
	lockPollInterval = 10 * time.Millisecond
	defer func() { lockPollInterval = restore }()

	t.Run("uncontended", func(t *testing.T) {
		l, _, _ := newTestLogger()
		m := NewLockManager(l)

		path := filepath.Join(t.TempDir(), "free.lock")

		lock, err := m.AcquireWait(context.Background(), path, true)
		if err != nil {
			t.Fatal("failed to acquire:", err)
		}
		if lock.Path() != path {
			t.Errorf("unexpected lock path %q", lock.Path())
		}

		m.Release(path, true)
	})

	t.Run("waits for holder", func(t *testing.T) {
		lh, _, _ := newTestLogger()
		lw, _, _ := newTestLogger()

		holder := NewLockManager(lh)
		waiter := NewLockManager(lw)

		path := filepath.Join(t.TempDir(), "contended.lock")

		if _, err := holder.Acquire(path, true); err != nil {
			t.Fatal("failed to acquire:", err)
		}

		go func() {
			time.Sleep(50 * time.Millisecond)
			holder.Release(path, true)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := waiter.AcquireWait(ctx, path, true); err != nil {
			t.Fatal("failed to wait for lock:", err)
		}

		waiter.Release(path, true)
	})

	t.Run("context canceled", func(t *testing.T) {
		lh, _, _ := newTestLogger()
		lw, _, _ := newTestLogger()

		holder := NewLockManager(lh)
		waiter := NewLockManager(lw)

		path := filepath.Join(t.TempDir(), "stuck.lock")

		if _, err := holder.Acquire(path, true); err != nil {
			t.Fatal("failed to acquire:", err)
		}
		defer holder.Release(path, true)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := waiter.AcquireWait(ctx, path, true)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
	})
}
