package dirstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testMeta struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteReadMeta(t *testing.T) {
	ds := NewDirStore(t.TempDir(), ".meta.json")
	dir := ds.Dir("abc123")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if ds.HasMeta(dir) {
		t.Fatal("HasMeta before write")
	}

	want := testMeta{Name: "hello", Value: 42}
	if err := ds.WriteMeta(dir, want); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if !ds.HasMeta(dir) {
		t.Fatal("HasMeta after write")
	}

	var got testMeta
	if err := ds.ReadMeta(dir, &got); err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got != want {
		t.Errorf("ReadMeta = %+v, want %+v", got, want)
	}

	if _, err := os.Stat(ds.MetaPath(dir) + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestReadMetaNotFound(t *testing.T) {
	ds := NewDirStore(t.TempDir(), ".meta.json")

	var out testMeta
	err := ds.ReadMeta(ds.Dir("nonexistent"), &out)
	if !errors.Is(err, ErrNoMeta) {
		t.Fatalf("expected ErrNoMeta, got %v", err)
	}
}

func TestDirLayout(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "meta.json")

	if ds.Root() != base {
		t.Errorf("Root = %s, want %s", ds.Root(), base)
	}
	if want := filepath.Join(base, "ComfyUI"); ds.Dir("ComfyUI") != want {
		t.Errorf("Dir = %s, want %s", ds.Dir("ComfyUI"), want)
	}
}

func TestIsEmptyDir(t *testing.T) {
	base := t.TempDir()

	empty, err := IsEmptyDir(filepath.Join(base, "missing"))
	if err != nil || !empty {
		t.Fatalf("missing dir: empty=%v err=%v", empty, err)
	}

	empty, err = IsEmptyDir(base)
	if err != nil || !empty {
		t.Fatalf("empty dir: empty=%v err=%v", empty, err)
	}

	os.WriteFile(filepath.Join(base, "file"), []byte("x"), 0o644)
	empty, err = IsEmptyDir(base)
	if err != nil || empty {
		t.Fatalf("populated dir: empty=%v err=%v", empty, err)
	}
}
