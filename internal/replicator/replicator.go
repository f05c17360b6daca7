// Package replicator consumes artifact replication tasks: it streams the
// source bytes through an incremental digest into the object store,
// verifies the result, and removes anything that fails verification.
package replicator

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/regmirror/regmirror/internal/blob"
	"github.com/regmirror/regmirror/internal/registry"
)

const artifactContentType = "application/octet-stream"

// Replicator handles one artifact task at a time.  Instances hold no
// per-task state and are safe for concurrent use.
type Replicator struct {
	store  blob.Store
	client *http.Client
	algo   string
}

// New constructs a Replicator computing digests with the named algorithm.
func New(store blob.Store, client *http.Client, algo string) (*Replicator, error) {
	// Validate the algorithm once instead of per task.
	if _, err := registry.NewDigester(algo); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Replicator{store: store, client: client, algo: algo}, nil
}

// Handle replicates one artifact.  The task moves through
// validate → stream → verify, ending in done or cleanup→done.
//
// A nil return acknowledges the task: structurally empty tasks will never
// become valid, and a digest mismatch is terminal once the corrupt object
// is deleted.  Transport failures return an error so the bus redelivers;
// that redelivery is deliberately the only retry mechanism.  Two
// instances racing on one key resolve by idempotent overwrite — the last
// writer whose verification succeeds wins.
func (r *Replicator) Handle(ctx context.Context, task registry.ArtifactTask) error {
	if task.URL == "" {
		slog.Warn("dropping artifact task without source url", "path", task.Path, "shasum", task.SHASum)
		return nil
	}
	if err := blob.ValidateKey(task.Path); err != nil {
		slog.Warn("dropping artifact task with unusable path", "path", task.Path, "url", task.URL, "error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		slog.Warn("dropping artifact task with unusable url", "url", task.URL, "path", task.Path, "error", err)
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("artifact fetch failed", "url", task.URL, "path", task.Path, "error", err)
		return errors.Wrap(err, "fetch "+task.URL)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close artifact response body", "url", task.URL, "error", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("artifact fetch failed", "url", task.URL, "path", task.Path, "status", resp.StatusCode)
		return errors.Newf("fetch %s: status %d", task.URL, resp.StatusCode)
	}

	w, err := r.store.Writer(ctx, task.Path, blob.WriteOptions{ContentType: artifactContentType, Public: true})
	if err != nil {
		slog.Error("artifact store open failed", "path", task.Path, "url", task.URL, "error", err)
		return errors.Wrap(err, "store "+task.Path)
	}

	digester, _ := registry.NewDigester(r.algo)
	n, err := io.Copy(registry.NewDigestWriter(w, digester), resp.Body)
	if err != nil {
		// The store discards uncommitted writes, so the partial object
		// dies with the aborted writer and needs no cleanup by key.
		if aerr := w.Abort(); aerr != nil {
			slog.Warn("failed to abort artifact write", "path", task.Path, "error", aerr)
		}
		slog.Error("artifact stream failed", "url", task.URL, "path", task.Path, "bytes", n, "error", err)
		return errors.Wrap(err, "stream "+task.URL)
	}
	if err := w.Close(); err != nil {
		slog.Error("artifact store close failed", "path", task.Path, "url", task.URL, "error", err)
		return errors.Wrap(err, "store "+task.Path)
	}

	if !digester.Matches(task.SHASum) {
		slog.Error("artifact digest mismatch",
			"url", task.URL, "path", task.Path,
			"expected", registry.NormalizeDigest(task.SHASum), "computed", digester.Sum())
		// The corrupt object must not remain published under its key.
		// The task terminates handled either way; if the delete fails,
		// bus redelivery is the recovery path.
		if err := r.store.Delete(ctx, task.Path); err != nil {
			slog.Error("cleanup of mismatched artifact failed", "path", task.Path, "error", err)
		}
		return nil
	}

	slog.Info("artifact replicated", "path", task.Path, "size", n, "shasum", digester.Sum())
	return nil
}
