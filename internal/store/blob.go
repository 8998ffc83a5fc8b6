package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a named document does not exist.
var ErrNotFound = errors.New("document not found")

// Blobs is a directory-backed JSON document store. Documents are opaque
// to the store: it writes what it was given and reads what was written.
// Writes are atomic (temp file + rename in the same directory).
type Blobs struct {
	dir string
}

// NewBlobs creates a Blobs store rooted at dir. The directory is created
// lazily on first write.
func NewBlobs(dir string) *Blobs {
	return &Blobs{dir: dir}
}

// safeName reduces a document name to a filesystem-safe token. Anything
// outside [A-Za-z0-9_-] is dropped, which also strips path separators.
func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (b *Blobs) path(name string) (string, error) {
	n := safeName(name)
	if n == "" {
		return "", errors.New("empty document name")
	}
	return filepath.Join(b.dir, n+".json"), nil
}

// Read returns the raw JSON document stored under name, or ErrNotFound.
func (b *Blobs) Read(name string) (json.RawMessage, error) {
	p, err := b.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write stores the raw JSON document under name, replacing any previous
// content atomically.
func (b *Blobs) Write(name string, data json.RawMessage) error {
	p, err := b.path(name)
	if err != nil {
		return err
	}
	return WriteFileAtomic(p, data, 0o600)
}

// Exists reports whether a document is stored under name.
func (b *Blobs) Exists(name string) bool {
	p, err := b.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// WriteFileAtomic writes data to path via a temp file + rename so that
// concurrent readers never observe a partial document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".inksync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
