package dirstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoMeta is returned by ReadMeta when the directory has no metadata file.
var ErrNoMeta = errors.New("metadata not found")

// DirStore lays out one directory per named entity under a base directory,
// each optionally carrying a JSON metadata file written atomically.
type DirStore struct {
	baseDir  string
	metaName string
}

// NewDirStore creates a DirStore rooted at baseDir whose metadata files are named metaName.
func NewDirStore(baseDir, metaName string) *DirStore {
	return &DirStore{baseDir: baseDir, metaName: metaName}
}

// Root returns the base directory.
func (ds *DirStore) Root() string {
	return ds.baseDir
}

// Dir returns the default directory for name.
func (ds *DirStore) Dir(name string) string {
	return filepath.Join(ds.baseDir, name)
}

// MetaPath returns the metadata file path inside dir.
func (ds *DirStore) MetaPath(dir string) string {
	return filepath.Join(dir, ds.metaName)
}

// HasMeta reports whether dir carries a metadata file.
func (ds *DirStore) HasMeta(dir string) bool {
	_, err := os.Stat(ds.MetaPath(dir))
	return err == nil
}

// WriteMeta atomically writes the metadata file of dir using a temp file + rename.
func (ds *DirStore) WriteMeta(dir string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return WriteFileAtomic(ds.MetaPath(dir), data)
}

// ReadMeta reads and unmarshals the metadata file of dir into out.
func (ds *DirStore) ReadMeta(dir string, out any) error {
	data, err := os.ReadFile(ds.MetaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", dir, ErrNoMeta)
		}
		return fmt.Errorf("read meta: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal meta: %w", err)
	}
	return nil
}

// IsEmptyDir reports whether dir is missing or has no entries.
func IsEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read dir %s: %w", dir, err)
	}
	return len(entries) == 0, nil
}

// WriteFileAtomic writes content to path using tmp + rename.
func WriteFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	return nil
}
