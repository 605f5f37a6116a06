/*
Package log provides structured logging for Foundry using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	import "github.com/forgeworks/foundry/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("control plane started")
	log.Error("failed to open store")

Structured logging:

	log.Logger.Info().
		Str("drone_id", "d1").
		Str("package", "dev-libs/openssl").
		Msg("work assigned")

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Debug().Str("package", pkg).Msg("candidate skipped")

Context helpers WithDrone, WithPackage, and WithSession attach the
corresponding field to every line emitted through the child logger.

# Design

A single package-level logger is initialized once at startup; child loggers
carry context fields. Use typed fields (.Str, .Int, .Err) rather than string
concatenation so log lines stay parseable. Never log SSH passwords or the
admin key.
*/
package log
