package regmirror

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/regmirror/regmirror/internal/bus"
	"github.com/regmirror/regmirror/internal/dispatcher"
	"github.com/regmirror/regmirror/internal/manifest"
	"github.com/regmirror/regmirror/internal/registry"
	"github.com/regmirror/regmirror/internal/replicator"
)

// ReadPackageList reads one package name per line, skipping blanks and
// '#' comments.
func ReadPackageList(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read package list")
	}
	return names, nil
}

// ReadPackageListFile reads a package list from path.
func ReadPackageListFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 - path is an operator-supplied CLI argument
	if err != nil {
		return nil, errors.Wrap(err, "read package list")
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close package list", "file", path, "error", err)
		}
	}()
	return ReadPackageList(f)
}

// RunBackfill mirrors the named packages in one pass: every package is
// dispatched through an in-process bus, then the collected artifact tasks
// are replicated with a bounded worker pool.  Per-package failures are
// logged and counted rather than aborting the run; the first error is
// reported at the end so a partial backfill exits nonzero and can simply
// be re-run.
func RunBackfill(ctx context.Context, config *Config, names []string, quiet bool) error {
	if err := config.Registry.Check(); err != nil {
		return err
	}
	if err := config.Store.Check(); err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.New("backfill: no packages given")
	}

	store, err := newStore(ctx, &config.Store)
	if err != nil {
		return err
	}
	client, err := newHTTPClient(&config.TLS)
	if err != nil {
		return err
	}
	resolver := dispatcher.NewHTTPResolver(config.Registry.ResolverURL.URL, client)

	membus := bus.NewMemoryBus()
	d := dispatcher.New(resolver, membus, config.Bus.TaskTopic, manifest.NewWriter(store))
	rep, err := replicator.New(store, client, config.Registry.digest())
	if err != nil {
		return err
	}

	maxConns := config.Registry.MaxConns
	semaphore := make(chan struct{}, maxConns)
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	newBar := func(total int) *pb.ProgressBar {
		bar := pb.New(total)
		if quiet {
			bar.SetWriter(io.Discard)
		}
		return bar.Start()
	}

	slog.Info("backfill: dispatching packages", "packages", len(names))
	bar := newBar(len(names))
	var g errgroup.Group
	var firstErr error

	// Holds the first per-item failure; later failures are logged only.
	errOnce := make(chan error, 1)
	for _, name := range names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-semaphore:
		}
		g.Go(func() error {
			defer func() {
				semaphore <- struct{}{}
				bar.Increment()
			}()
			if err := d.Handle(ctx, name); err != nil {
				slog.Error("backfill: package dispatch failed", "package", name, "error", err)
				select {
				case errOnce <- err:
				default:
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	bar.Finish()

	pending := membus.Pending(config.Bus.TaskTopic)
	slog.Info("backfill: replicating artifacts", "tasks", pending)
	bar = newBar(pending)
	var rg errgroup.Group
	drainErr := membus.Drain(ctx, config.Bus.TaskTopic, func(ctx context.Context, msg bus.Message) error {
		task := registry.DecodeTask(msg.Payload, msg.Attrs)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-semaphore:
		}
		rg.Go(func() error {
			defer func() {
				semaphore <- struct{}{}
				bar.Increment()
			}()
			if err := rep.Handle(ctx, task); err != nil {
				slog.Error("backfill: artifact replication failed", "path", task.Path, "error", err)
				select {
				case errOnce <- err:
				default:
				}
			}
			return nil
		})
		return nil
	})
	_ = rg.Wait()
	bar.Finish()

	select {
	case err := <-errOnce:
		firstErr = err
	default:
	}
	if firstErr == nil && drainErr != nil {
		firstErr = drainErr
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, "backfill incomplete")
	}
	slog.Info("backfill complete", "packages", len(names), "tasks", pending)
	return nil
}
