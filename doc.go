/*
Package regmirror is a tool for mirroring npm-style package registries.

regmirror follows a registry change feed and replicates package manifests
and tarballs into durable object storage, with features including:
  - Resumable change-feed consumption from a durable cursor
  - At-least-once fan-out over a message bus (Kafka or RabbitMQ)
  - Streaming digest verification of every replicated artifact
  - Filesystem and S3 storage backends with atomic object visibility
  - One-shot backfill of named packages with bounded concurrency

The main packages are:

	github.com/regmirror/regmirror/internal/registry    - Change feed and manifest data model, digest stream
	github.com/regmirror/regmirror/internal/follower    - Resumable change-capture loop
	github.com/regmirror/regmirror/internal/dispatcher  - Manifest resolution and replication fan-out
	github.com/regmirror/regmirror/internal/replicator  - Integrity-verified artifact replication
	github.com/regmirror/regmirror/internal/blob        - Object store backends
	github.com/regmirror/regmirror/internal/bus         - Message bus adapters
	github.com/regmirror/regmirror/cmd/regmirror        - Command-line interface
*/
package regmirror
