// Package dispatcher resolves change notifications into manifests and
// fans each one out into independent, retryable replication obligations.
package dispatcher

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/regmirror/regmirror/internal/bus"
	"github.com/regmirror/regmirror/internal/manifest"
	"github.com/regmirror/regmirror/internal/registry"
)

// Dispatcher handles one change notification at a time.  Instances hold
// no per-invocation state and are safe for concurrent use.
type Dispatcher struct {
	resolver  Resolver
	tasks     bus.Publisher
	taskTopic string
	manifests *manifest.Writer
}

// New constructs a Dispatcher publishing artifact tasks to taskTopic.
func New(resolver Resolver, tasks bus.Publisher, taskTopic string, manifests *manifest.Writer) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		tasks:     tasks,
		taskTopic: taskTopic,
		manifests: manifests,
	}
}

// Handle processes one package-change notification.
//
// A nil return acknowledges the triggering message.  Malformed input is
// acknowledged (redelivery would reproduce the same decision with no side
// effect); resolver failures and fan-out failures return an error so the
// bus redelivers — that redelivery is the only retry mechanism, there is
// deliberately no retry loop here.
func (d *Dispatcher) Handle(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		slog.Warn("dropping empty change notification")
		return nil
	}

	m, err := d.resolver.Resolve(ctx, name)
	if err != nil {
		slog.Error("manifest resolution failed", "package", name, "error", err)
		return err
	}

	// Three independent obligations run concurrently; a failure in one
	// must not suppress attempts in the others, so the group carries no
	// shared cancelation.  Handle reports once, after all three settle.
	var g errgroup.Group
	g.Go(func() error {
		return d.publishTarballs(ctx, name, m.Tarballs)
	})
	g.Go(func() error {
		return d.writeVersions(ctx, name, m.Versions)
	})
	g.Go(func() error {
		if err := d.manifests.Write(ctx, m.Index, m.Index.Key()); err != nil {
			slog.Error("index record write failed", "package", name, "key", m.Index.Key(), "error", err)
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, name)
	}

	slog.Info("package dispatched", "package", name, "tarballs", len(m.Tarballs), "versions", len(m.Versions))
	return nil
}

// publishTarballs publishes one artifact task per valid tarball entry.
// A malformed entry is skipped without affecting its siblings; publish
// failures are logged per task and reported as the first error after all
// entries are attempted.
func (d *Dispatcher) publishTarballs(ctx context.Context, name string, refs []registry.TarballRef) error {
	var firstErr error
	for _, ref := range refs {
		if err := ref.Check(); err != nil {
			slog.Warn("skipping malformed tarball entry", "package", name, "path", ref.Path, "error", err)
			continue
		}
		payload, attrs := ref.Task().Encode()
		if err := d.tasks.Publish(ctx, d.taskTopic, bus.Message{Payload: payload, Attrs: attrs}); err != nil {
			slog.Error("artifact task publish failed",
				"package", name, "path", ref.Path, "shasum", ref.SHASum, "url", ref.URL, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// writeVersions persists one record per valid version entry, with the
// same skip/collect policy as publishTarballs.
func (d *Dispatcher) writeVersions(ctx context.Context, name string, versions []registry.VersionRecord) error {
	var firstErr error
	for _, v := range versions {
		if err := v.Check(); err != nil {
			slog.Warn("skipping malformed version entry", "package", name, "version", v.Version, "error", err)
			continue
		}
		if err := d.manifests.Write(ctx, v, v.Key()); err != nil {
			slog.Error("version record write failed", "package", name, "version", v.Version, "key", v.Key(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
