package iox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "scratch")
	if err := os.MkdirAll(filepath.Join(sub, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	RemoveAll(sub, func(err error) {
		t.Errorf("unexpected cleanup error: %v", err)
	})

	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Fatalf("scratch dir still present: %v", err)
	}

	// Removing a nonexistent path is not an error for RemoveAll.
	RemoveAll(filepath.Join(dir, "missing"), func(err error) {
		t.Errorf("unexpected cleanup error: %v", err)
	})
}
