// Package main implements the regmirror command-line tool for mirroring
// package registries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/regmirror/regmirror/internal/regmirror"
)

const (
	defaultConfigPath = "/etc/regmirror/regmirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "regmirror",
	Short: "Mirror package registries",
	Long: `regmirror maintains a verified mirror of a package registry.

It runs as three cooperating processes: "follow" tails the registry
change feed, "dispatch" resolves changed packages into replication
tasks, and "replicate" streams artifacts into the object store with
digest verification.  "backfill" runs the dispatch and replicate stages
inline for an explicit list of packages.`,
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Tail the registry change feed",
	Long: `Tails the registry change feed from the persisted cursor and publishes
changed package names to the change topic.

The cursor must exist before the first run:

  # Start mirroring from sequence 1234567
  regmirror cursor seed 1234567

  # Then follow
  regmirror follow`,
	Run: runFollow,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Resolve changed packages into replication tasks",
	Long: `Consumes package names from the change topic, resolves each one into a
manifest, writes the package and version metadata records to the object
store, and publishes one replication task per artifact.`,
	Run: runDispatch,
}

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Stream artifacts into the object store",
	Long: `Consumes replication tasks from the task topic and streams each artifact
into the object store, verifying its digest as it goes.  An artifact
whose digest does not match is removed and not retried.`,
	Run: runReplicate,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill [package...]",
	Short: "Mirror an explicit list of packages in one pass",
	Long: `Mirrors the given packages without a bus: each package is dispatched and
its artifacts replicated inline, with bounded concurrency.

Examples:
  regmirror backfill left-pad lodash
  regmirror backfill --file packages.txt
  regmirror backfill --file packages.txt --quiet`,
	Run: runBackfill,
}

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Manage the change feed cursor",
	Long:  `Manage the persisted change feed cursor used by the follow process.`,
}

var cursorSeedCmd = &cobra.Command{
	Use:   "seed <sequence>",
	Short: "Create the initial cursor document",
	Long: `Create the cursor document at the given sequence if none exists yet.

An existing cursor is never overwritten; moving a live cursor means
deliberately replaying or skipping events and is left to direct
database surgery.

Examples:
  regmirror cursor seed 0
  regmirror cursor seed 1234567`,
	Args: cobra.ExactArgs(1),
	Run:  runCursorSeed,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("regmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(cursorCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	cursorCmd.AddCommand(cursorSeedCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")

	backfillCmd.Flags().String("file", "", "read package names from a file, one per line")
	backfillCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// loadConfig decodes and applies the configuration shared by all
// subcommands.  Failures are fatal.
func loadConfig(verboseErrors bool) *regmirror.Config {
	config := regmirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		slog.Error("failed to decode config file", "error", formatError(err, verboseErrors), "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	// Unknown keys mean the file does not say what the operator thinks
	// it says.
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		slog.Error("configuration contains unknown keys", "keys", keys, "path", configPath)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
		slog.Debug("log level overridden from command line", "level", logLevel)
	}

	return config
}

// runProcess drives one long-running pipeline process until SIGINT or
// SIGTERM.
func runProcess(cmd *cobra.Command, name string, run func(ctx context.Context, config *regmirror.Config) error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		slog.Error(name+" failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runFollow(cmd *cobra.Command, _ []string) {
	runProcess(cmd, "follow", regmirror.RunFollow)
}

func runDispatch(cmd *cobra.Command, _ []string) {
	runProcess(cmd, "dispatch", regmirror.RunDispatch)
}

func runReplicate(cmd *cobra.Command, _ []string) {
	runProcess(cmd, "replicate", regmirror.RunReplicate)
}

func runBackfill(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	names := args
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		fromFile, err := regmirror.ReadPackageListFile(file)
		if err != nil {
			slog.Error("failed to read package list", "file", file, "error", formatError(err, verboseErrors))
			os.Exit(1)
		}
		names = append(names, fromFile...)
	}
	if len(names) == 0 {
		slog.Error("no packages given; pass package names or --file")
		os.Exit(1)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := regmirror.RunBackfill(ctx, config, names, quiet); err != nil {
		slog.Error("backfill failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func runCursorSeed(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	seq, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || seq < 0 {
		slog.Error("sequence must be a non-negative integer", "argument", args[0])
		os.Exit(1)
	}

	created, err := regmirror.SeedCursor(cmd.Context(), config, seq)
	if err != nil {
		slog.Error("failed to seed cursor", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if !created {
		slog.Error("cursor already exists; refusing to overwrite", "cursor_id", config.Feed.CursorID)
		os.Exit(1)
	}
	slog.Info("cursor seeded", "cursor_id", config.Feed.CursorID, "seq", seq)
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	var validationErrors []error

	if err := config.TLS.Validate(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "tls config"))
	}
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, err)
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(formatError(err, verboseErrors))
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
