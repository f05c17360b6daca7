// Package regmirror wires configuration and external-service adapters
// into the pipeline's three processes and the one-shot backfill run.
package regmirror

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/regmirror/regmirror/internal/blob"
	"github.com/regmirror/regmirror/internal/bus"
)

const (
	defaultMaxConns          = 10
	defaultEventsPerWindow   = 10
	defaultRateWindow        = time.Second
	defaultInactivityTimeout = 2 * time.Minute
	defaultPersistInterval   = 5 * time.Second
	defaultCursorID          = "registry"
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// FeedConfig describes the upstream change feed and how fast its events
// may be handed to the dispatcher stage.
type FeedConfig struct {
	URL               tomlURL      `toml:"url"`
	CursorID          string       `toml:"cursor_id"`
	InactivityTimeout tomlDuration `toml:"inactivity_timeout"`

	// Publishing to the change topic is capped at events_per_window
	// events per rate_window; manifest resolution downstream is an
	// external-API-bound operation and must not be flooded.
	EventsPerWindow int          `toml:"events_per_window"`
	RateWindow      tomlDuration `toml:"rate_window"`
}

// Check validates the configuration.
func (c *FeedConfig) Check() error {
	if c.URL.URL == nil {
		return errors.New("feed: url is not set")
	}
	if c.EventsPerWindow <= 0 {
		return errors.New("feed: events_per_window must be positive")
	}
	if c.RateWindow.Duration <= 0 {
		return errors.New("feed: rate_window must be positive")
	}
	if c.InactivityTimeout.Duration <= 0 {
		return errors.New("feed: inactivity_timeout must be positive")
	}
	return nil
}

// CheckpointConfig locates the cursor database.
type CheckpointConfig struct {
	Path     string       `toml:"path"`
	Interval tomlDuration `toml:"interval"`
}

// Check validates the configuration.
func (c *CheckpointConfig) Check() error {
	if c.Path == "" {
		return errors.New("checkpoint: path is not set")
	}
	return nil
}

// RegistryConfig describes the manifest resolver and artifact fetching.
type RegistryConfig struct {
	ResolverURL tomlURL `toml:"resolver_url"`
	Digest      string  `toml:"digest"`
	MaxConns    int     `toml:"max_conns"`
}

// Check validates the configuration.
func (c *RegistryConfig) Check() error {
	if c.ResolverURL.URL == nil {
		return errors.New("registry: resolver_url is not set")
	}
	switch c.Digest {
	case "", "sha1", "sha256", "sha512":
	default:
		return errors.New("registry: invalid digest algorithm: " + c.Digest)
	}
	if c.MaxConns <= 0 {
		return errors.New("registry: max_conns must be positive")
	}
	return nil
}

// BusConfig selects and configures the message bus backend.
type BusConfig struct {
	Kind        string          `toml:"kind"`
	ChangeTopic string          `toml:"change_topic"`
	TaskTopic   string          `toml:"task_topic"`
	Kafka       bus.KafkaConfig `toml:"kafka"`
	AMQP        bus.AMQPConfig  `toml:"amqp"`
}

// Check validates the configuration.
func (c *BusConfig) Check() error {
	switch c.Kind {
	case "kafka":
		return c.Kafka.Check()
	case "amqp":
		return c.AMQP.Check()
	case "":
		return errors.New("bus: kind is not set")
	default:
		return errors.New("bus: unknown kind: " + c.Kind)
	}
}

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	Kind string        `toml:"kind"`
	Dir  string        `toml:"dir"`
	S3   blob.S3Config `toml:"s3"`
}

// Check validates the configuration.
func (c *StoreConfig) Check() error {
	switch c.Kind {
	case "dir":
		if c.Dir == "" {
			return errors.New("store: dir is not set")
		}
		return nil
	case "s3":
		return c.S3.Check()
	case "":
		return errors.New("store: kind is not set")
	default:
		return errors.New("store: unknown kind: " + c.Kind)
	}
}

// Config is the root TOML configuration.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := regmirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/regmirror.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Log        LogConfig        `toml:"log"`
	TLS        TLSConfig        `toml:"tls"`
	Feed       FeedConfig       `toml:"feed"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Registry   RegistryConfig   `toml:"registry"`
	Bus        BusConfig        `toml:"bus"`
	Store      StoreConfig      `toml:"store"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			CursorID:          defaultCursorID,
			InactivityTimeout: tomlDuration{defaultInactivityTimeout},
			EventsPerWindow:   defaultEventsPerWindow,
			RateWindow:        tomlDuration{defaultRateWindow},
		},
		Checkpoint: CheckpointConfig{
			Interval: tomlDuration{defaultPersistInterval},
		},
		Registry: RegistryConfig{
			MaxConns: defaultMaxConns,
		},
		Bus: BusConfig{
			ChangeTopic: bus.ChangeTopic,
			TaskTopic:   bus.TaskTopic,
		},
	}
}

// Check validates every section; used by the validate subcommand.  The
// per-process run functions check only the sections they use.
func (c *Config) Check() error {
	if err := c.Feed.Check(); err != nil {
		return err
	}
	if err := c.Checkpoint.Check(); err != nil {
		return err
	}
	if err := c.Registry.Check(); err != nil {
		return err
	}
	if err := c.Bus.Check(); err != nil {
		return err
	}
	return c.Store.Check()
}
