package cache

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSaveLoadDelete(t *testing.T) {
	c := openTemp(t)

	if got, err := c.Load("ws"); err != nil || got != nil {
		t.Fatalf("fresh cache must be empty, got %v, %v", got, err)
	}

	if err := c.Save("ws", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := c.Save("ws", []byte("second")); err != nil {
		t.Fatal(err)
	}
	got, err := c.Load("ws")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Errorf("save must replace, got %q", got)
	}

	if err := c.Delete("ws"); err != nil {
		t.Fatal(err)
	}
	if got, err := c.Load("ws"); err != nil || got != nil {
		t.Errorf("deleted entry must read as absent, got %v, %v", got, err)
	}
}

func TestWorkspacesIsolated(t *testing.T) {
	c := openTemp(t)
	if err := c.Save("a", []byte("aaa")); err != nil {
		t.Fatal(err)
	}
	if err := c.Save("b", []byte("bbb")); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("a"); err != nil {
		t.Fatal(err)
	}
	got, err := c.Load("b")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("bbb")) {
		t.Errorf("deleting one workspace must not touch another, got %q", got)
	}
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Save("ws", []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	got, err := c2.Load("ws")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("persisted")) {
		t.Errorf("cache must survive reopen, got %q", got)
	}
}
