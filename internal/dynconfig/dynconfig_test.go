package dynconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWithoutPathServesFallback(t *testing.T) {
	m, err := New("", PoolDefaults{MinSize: 1, MaxSize: 4, MaxIdleMS: 1000})
	if err != nil {
		t.Fatal(err)
	}
	got := m.Get()
	if got.MinSize != 1 || got.MaxSize != 4 || got.MaxIdle != time.Second {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestNewRejectsInvalidFallback(t *testing.T) {
	if _, err := New("", PoolDefaults{MinSize: 5, MaxSize: 2}); err == nil {
		t.Fatal("expected min_size > max_size to be rejected")
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(path, []byte("min_size: 2\nmax_size: 6\nmax_idle_ms: 5000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := New(path, PoolDefaults{MinSize: 1, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	got := m.Get()
	if got.MinSize != 2 || got.MaxSize != 6 || got.MaxIdle != 5*time.Second {
		t.Fatalf("expected file values loaded at startup, got %+v", got)
	}

	if err := os.WriteFile(path, []byte("min_size: 3\nmax_size: 8\nmax_idle_ms: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	got = m.Get()
	if got.MinSize != 3 || got.MaxSize != 8 {
		t.Fatalf("expected reload to pick up new values, got %+v", got)
	}
	if stats := m.Stats(); stats.ReloadCount != 2 {
		t.Fatalf("expected 2 reloads (initial + manual), got %d", stats.ReloadCount)
	}
}

func TestReloadKeepsPreviousOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	os.WriteFile(path, []byte("min_size: 2\nmax_size: 6\n"), 0o644)

	m, err := New(path, PoolDefaults{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	os.WriteFile(path, []byte("min_size: 9\nmax_size: 1\n"), 0o644)
	if err := m.Reload(); err == nil {
		t.Fatal("expected min_size > max_size to fail validation")
	}
	if got := m.Get(); got.MinSize != 2 {
		t.Fatalf("expected previous valid defaults retained, got %+v", got)
	}
}
