// Package blob provides durable object storage addressed by POSIX-style
// keys.  Backends must keep an object invisible under its key until the
// write stream is closed successfully, so a failed transfer never leaves
// a partial object published.
package blob

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

// WriteOptions control how a stored object is published.
type WriteOptions struct {
	ContentType string
	Public      bool
}

// Writer is a pending object write.  Close publishes the object under its
// key; Abort discards everything written so far.  Exactly one of the two
// must be called.
type Writer interface {
	io.Writer
	Close() error
	Abort() error
}

// Store is a durable object store with create/overwrite/delete by key.
type Store interface {
	Writer(ctx context.Context, key string, opt WriteOptions) (Writer, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that could escape the store's namespace:
// directory traversal, absolute paths, and empty keys.
func ValidateKey(key string) error {
	clean := path.Clean(key)
	if key == "" || clean == "." {
		return errors.New("empty object key")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("unsafe object key (contains directory traversal): " + key)
	}
	if strings.HasPrefix(clean, "/") {
		return errors.New("unsafe object key (absolute path not allowed): " + key)
	}
	return nil
}
