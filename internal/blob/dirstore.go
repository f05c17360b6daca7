package blob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// DirStore stores objects as files under a directory tree.  Writes go to
// a temporary file and are renamed into place on Close, so an object is
// never visible under its key before the write stream closes.
type DirStore struct {
	dir string
}

// NewDirStore constructs a DirStore.  dir must be an absolute path to an
// existing directory.
func NewDirStore(dir string) (*DirStore, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("not absolute: " + dir)
	}
	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) fullPath(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(filepath.Clean(key)))
}

// Writer opens a pending write for key.  ContentType and Public are
// meaningless on a filesystem and are ignored.
func (s *DirStore) Writer(_ context.Context, key string, _ WriteOptions) (Writer, error) {
	if err := ValidateKey(key); err != nil {
		return nil, errors.Wrap(err, "Writer")
	}
	f, err := os.CreateTemp(s.dir, "_tmp")
	if err != nil {
		return nil, errors.Wrap(err, "Writer: "+key)
	}
	return &dirWriter{f: f, final: s.fullPath(key)}, nil
}

// Open opens the object stored at key.
func (s *DirStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	return os.Open(s.fullPath(key)) // #nosec G304 - key is validated by ValidateKey
}

// Delete removes the object stored at key.  Deleting an absent object is
// not an error: redelivered cleanup work must converge.
func (s *DirStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return errors.Wrap(err, "Delete")
	}
	err := os.Remove(s.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Delete: "+key)
	}
	return nil
}

type dirWriter struct {
	f     *os.File
	final string
}

func (w *dirWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close syncs the temporary file and renames it into place, then syncs
// the containing directory entry.
func (w *dirWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.discard()
		return errors.Wrap(err, "Close: sync "+w.final)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return errors.Wrap(err, "Close: "+w.final)
	}
	if err := os.Chmod(w.f.Name(), 0644); err != nil { // #nosec G302 - mirrored objects are world-readable by design of the Public store
		_ = os.Remove(w.f.Name())
		return errors.Wrap(err, "Close: "+w.final)
	}
	dir := filepath.Dir(w.final)
	if err := os.MkdirAll(dir, 0750); err != nil {
		_ = os.Remove(w.f.Name())
		return errors.Wrap(err, "Close: "+w.final)
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		_ = os.Remove(w.f.Name())
		return errors.Wrap(err, "Close: "+w.final)
	}
	return dirSync(dir)
}

// Abort discards the pending write; nothing becomes visible under the key.
func (w *dirWriter) Abort() error {
	w.discard()
	return nil
}

func (w *dirWriter) discard() {
	name := w.f.Name()
	if err := w.f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", name, "error", err)
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", name, "error", err)
	}
}

// dirSync calls fsync(2) on the directory so the rename reaches disk.
func dirSync(d string) error {
	f, err := os.OpenFile(d, os.O_RDONLY, 0750) // #nosec G304,G302 - directory paths derive from the validated store root
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
