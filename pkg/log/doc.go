/*
Package log provides structured logging for INAU using zerolog.

The package wraps zerolog behind a small surface: Init configures the
global logger once at startup (level, JSON vs console output), and
WithComponent derives per-component child loggers so every line carries
a component field (webhook, pool, builder, installer, store, mailer).
WithBuild and WithBuilder add the identifiers operators grep for when
tracing one build across the dispatch pipeline.
*/
package log
