package regmirror

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/regmirror/regmirror/internal/blob"
	"github.com/regmirror/regmirror/internal/bus"
	"github.com/regmirror/regmirror/internal/checkpoint"
	"github.com/regmirror/regmirror/internal/dispatcher"
	"github.com/regmirror/regmirror/internal/feed"
	"github.com/regmirror/regmirror/internal/follower"
	"github.com/regmirror/regmirror/internal/manifest"
	"github.com/regmirror/regmirror/internal/registry"
	"github.com/regmirror/regmirror/internal/replicator"
)

// newPublisher builds the configured bus publisher.  The returned close
// function flushes and releases the connection.
func newPublisher(cfg *BusConfig) (bus.Publisher, func(), error) {
	switch cfg.Kind {
	case "kafka":
		p, err := bus.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "amqp":
		b, err := bus.NewAMQPBus(cfg.AMQP)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("failed to close amqp connection", "error", err)
			}
		}, nil
	default:
		return nil, nil, errors.New("bus: unknown kind: " + cfg.Kind)
	}
}

// newSubscriber builds the configured bus subscriber.
func newSubscriber(cfg *BusConfig) (bus.Subscriber, func(), error) {
	switch cfg.Kind {
	case "kafka":
		s, err := bus.NewKafkaSubscriber(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "amqp":
		b, err := bus.NewAMQPBus(cfg.AMQP)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("failed to close amqp connection", "error", err)
			}
		}, nil
	default:
		return nil, nil, errors.New("bus: unknown kind: " + cfg.Kind)
	}
}

// newStore builds the configured object store.
func newStore(ctx context.Context, cfg *StoreConfig) (blob.Store, error) {
	switch cfg.Kind {
	case "dir":
		return blob.NewDirStore(cfg.Dir)
	case "s3":
		return blob.NewS3Store(ctx, cfg.S3)
	default:
		return nil, errors.New("store: unknown kind: " + cfg.Kind)
	}
}

func (c *RegistryConfig) digest() string {
	if c.Digest == "" {
		return registry.DefaultDigest
	}
	return c.Digest
}

// RunFollow runs the change feed follower until ctx is canceled.
func RunFollow(ctx context.Context, config *Config) error {
	if err := config.Feed.Check(); err != nil {
		return err
	}
	if err := config.Checkpoint.Check(); err != nil {
		return err
	}
	if err := config.Bus.Check(); err != nil {
		return err
	}

	checkpoints, err := checkpoint.OpenSQL(config.Checkpoint.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := checkpoints.Close(); err != nil {
			slog.Warn("failed to close checkpoint store", "error", err)
		}
	}()

	publisher, closePublisher, err := newPublisher(&config.Bus)
	if err != nil {
		return err
	}
	defer closePublisher()

	client, err := newHTTPClient(&config.TLS)
	if err != nil {
		return err
	}
	source := feed.New(config.Feed.URL.URL, client, config.Feed.InactivityTimeout.Duration)

	limit := rate.Limit(float64(config.Feed.EventsPerWindow) / config.Feed.RateWindow.Seconds())
	f := follower.New(source, publisher, checkpoints,
		config.Bus.ChangeTopic, config.Feed.CursorID,
		limit, config.Feed.EventsPerWindow, config.Checkpoint.Interval.Duration)
	return f.Run(ctx)
}

// RunDispatch consumes the change topic and fans packages out until ctx
// is canceled.
func RunDispatch(ctx context.Context, config *Config) error {
	if err := config.Registry.Check(); err != nil {
		return err
	}
	if err := config.Bus.Check(); err != nil {
		return err
	}
	if err := config.Store.Check(); err != nil {
		return err
	}

	store, err := newStore(ctx, &config.Store)
	if err != nil {
		return err
	}
	publisher, closePublisher, err := newPublisher(&config.Bus)
	if err != nil {
		return err
	}
	defer closePublisher()
	subscriber, closeSubscriber, err := newSubscriber(&config.Bus)
	if err != nil {
		return err
	}
	defer closeSubscriber()

	client, err := newHTTPClient(&config.TLS)
	if err != nil {
		return err
	}
	resolver := dispatcher.NewHTTPResolver(config.Registry.ResolverURL.URL, client)
	d := dispatcher.New(resolver, publisher, config.Bus.TaskTopic, manifest.NewWriter(store))

	slog.Info("dispatching change notifications", "topic", config.Bus.ChangeTopic)
	err = subscriber.Subscribe(ctx, config.Bus.ChangeTopic, func(ctx context.Context, msg bus.Message) error {
		return d.Handle(ctx, string(msg.Payload))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunReplicate consumes the task topic and replicates artifacts until ctx
// is canceled.
func RunReplicate(ctx context.Context, config *Config) error {
	if err := config.Registry.Check(); err != nil {
		return err
	}
	if err := config.Bus.Check(); err != nil {
		return err
	}
	if err := config.Store.Check(); err != nil {
		return err
	}

	store, err := newStore(ctx, &config.Store)
	if err != nil {
		return err
	}
	subscriber, closeSubscriber, err := newSubscriber(&config.Bus)
	if err != nil {
		return err
	}
	defer closeSubscriber()

	client, err := newHTTPClient(&config.TLS)
	if err != nil {
		return err
	}
	r, err := replicator.New(store, client, config.Registry.digest())
	if err != nil {
		return err
	}

	slog.Info("replicating artifacts", "topic", config.Bus.TaskTopic, "digest", config.Registry.digest())
	err = subscriber.Subscribe(ctx, config.Bus.TaskTopic, func(ctx context.Context, msg bus.Message) error {
		return r.Handle(ctx, registry.DecodeTask(msg.Payload, msg.Attrs))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SeedCursor creates the follower's cursor document if none exists.  It
// reports whether a document was created; an existing cursor is left
// untouched so a mistyped seed cannot move a live pipeline.
func SeedCursor(ctx context.Context, config *Config, seq int64) (bool, error) {
	if err := config.Checkpoint.Check(); err != nil {
		return false, err
	}
	checkpoints, err := checkpoint.OpenSQL(config.Checkpoint.Path)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := checkpoints.Close(); err != nil {
			slog.Warn("failed to close checkpoint store", "error", err)
		}
	}()
	return checkpoints.Seed(ctx, config.Feed.CursorID, seq)
}
