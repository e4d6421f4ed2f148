package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/makinet/agent/internal/testutil/testlog"
)

func stopForCleanup(t *testing.T, tasks ...*Task) {
	t.Helper()
	t.Cleanup(func() {
		for _, tk := range tasks {
			tk.grace = 50 * time.Millisecond
			_ = tk.Stop(context.Background())
		}
	})
}

func TestAddStartsTask(t *testing.T) {
	testlog.Start(t)
	m := NewManager()
	tk := New("sleep 5")
	stopForCleanup(t, tk)

	if err := m.Add(tk); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := tk.Status().Status; got != StatusRunning {
		t.Fatalf("task not running after add: %q", got)
	}
}

func TestAddReplacesSameSlugWithoutStoppingOldProcess(t *testing.T) {
	testlog.Start(t)
	m := NewManager()
	first := &Task{Slug: "dup", Command: "sleep 5"}
	second := &Task{Slug: "dup", Command: "sleep 5"}
	stopForCleanup(t, first, second)

	if err := m.Add(first); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if err := m.Add(second); err != nil {
		t.Fatalf("add second: %v", err)
	}

	if got := len(m.List()); got != 1 {
		t.Fatalf("registry size after replacement: got %d want 1", got)
	}
	got, err := m.Get("dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != second {
		t.Fatalf("registry kept the old entry")
	}
	// Replacement drops the old entry only; its process stays alive,
	// detached from the registry.
	if st := first.Status().Status; st != StatusRunning {
		t.Fatalf("old task process was stopped on replacement: %q", st)
	}
}

func TestRegistryGrowsUnderDistinctSlugs(t *testing.T) {
	testlog.Start(t)
	m := NewManager()
	for _, slug := range []string{"a", "b", "c"} {
		if err := m.Add(&Task{Slug: slug, Command: "true"}); err != nil {
			t.Fatalf("add %s: %v", slug, err)
		}
	}
	if got := len(m.List()); got != 3 {
		t.Fatalf("registry size: got %d want 3", got)
	}
}

func TestGetNotFound(t *testing.T) {
	testlog.Start(t)
	m := NewManager()
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveEvictsWithoutStopping(t *testing.T) {
	testlog.Start(t)
	m := NewManager()
	tk := &Task{Slug: "ev", Command: "sleep 5"}
	stopForCleanup(t, tk)

	if err := m.Add(tk); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !m.Remove("ev") {
		t.Fatalf("remove reported no entry")
	}
	if m.Remove("ev") {
		t.Fatalf("second remove found an entry")
	}
	if _, err := m.Get("ev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry still resolvable after remove")
	}
	if st := tk.Status().Status; st != StatusRunning {
		t.Fatalf("eviction stopped the process: %q", st)
	}
}
