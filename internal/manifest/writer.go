// Package manifest serializes metadata records into the object store.
package manifest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/regmirror/regmirror/internal/blob"
)

const contentType = "application/json"

// Writer streams records into a blob store as stable, human-readable
// JSON.  Writes replace the object in full, so redelivered work converges
// on the same bytes at the same key.
type Writer struct {
	store blob.Store
}

// NewWriter constructs a Writer.
func NewWriter(store blob.Store) *Writer {
	return &Writer{store: store}
}

// Write serializes rec with two-space indentation and stores it at key.
// Failures are reported to the caller without retry.
func (w *Writer) Write(ctx context.Context, rec any, key string) error {
	bw, err := w.store.Writer(ctx, key, blob.WriteOptions{ContentType: contentType, Public: true})
	if err != nil {
		return errors.Wrap(err, "manifest: "+key)
	}
	enc := json.NewEncoder(bw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		if aerr := bw.Abort(); aerr != nil {
			slog.Warn("failed to abort manifest write", "key", key, "error", aerr)
		}
		return errors.Wrap(err, "manifest: "+key)
	}
	if err := bw.Close(); err != nil {
		return errors.Wrap(err, "manifest: "+key)
	}
	return nil
}
