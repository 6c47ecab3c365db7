/*
Package log provides structured logging for nclav using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

nclav's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("reconciler")               │          │
	│  │  - WithEnclave("enclave-id")                 │          │
	│  │  - WithPartition("enclave-id", "part-id")    │          │
	│  │  - WithRun("run-id")                         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "reconciler",               │          │
	│  │    "time": "2026-07-29T10:30:00Z",          │          │
	│  │    "message": "partition reconciled"        │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF partition reconciled component=reconciler │ │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all nclav packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs (cli, reconciler,
    stateapi, driver/<cloud>, iac)
  - WithEnclave: Add enclave_id context
  - WithPartition: Add enclave_id and partition_id context
  - WithRun: Add iac_run_id context (one IaC subprocess run)

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Evaluating partition dependency graph"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Partition reconciled: gke-cluster (gcp)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "IaC command exited non-zero"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to acquire tf state lock: held by run-abc123"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to open state store: %v"

# Usage

Initializing the Logger:

	import "github.com/nclav-io/nclav/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("reconcile starting")
	log.Debug("checking driver credentials")
	log.Warn("drift detected in partition handle")
	log.Error("failed to apply terraform plan")
	log.Fatal("cannot start without a state store") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("enclave_id", "prod-gcp").
		Int("partitions", 3).
		Msg("enclave reconciled")

	log.Logger.Error().
		Err(err).
		Str("partition_id", "gke-cluster").
		Msg("partition reconcile failed")

Component Loggers:

	reconcilerLog := log.WithComponent("reconciler")
	reconcilerLog.Info().Msg("starting reconcile cycle")

	driverLog := log.WithComponent("driver/gcp")
	driverLog.Debug().Str("operation", "waitForOperation").Msg("polling long-running operation")

Context Logger Helpers:

	// Enclave-scoped logs
	encLog := log.WithEnclave("prod-gcp")
	encLog.Info().Msg("enclave converged")

	// Partition-scoped logs
	partLog := log.WithPartition("prod-gcp", "gke-cluster")
	partLog.Info().Msg("partition applied")

	// Run-scoped logs (one IaC subprocess run, field iac_run_id)
	runLog := log.WithRun(runID)
	runLog.Info().Msg("terraform apply finished")

# Integration Points

This package integrates with:

  - pkg/reconciler: logs reconcile cycle start/completion and changes
  - pkg/driver: logs cloud API calls and long-running operation polling
  - pkg/iac: logs terraform/tofu subprocess invocations
  - pkg/stateapi: logs state API requests and lock contention
  - cmd/nclav: logs CLI command lifecycle

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields (enclave, partition, run)
  - Pass context loggers down into reconcile/driver/iac calls
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across the codebase

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact driver credentials, TF_HTTP_PASSWORD, cloud API tokens
  - Review logs before sharing externally

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user-controlled values

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-scoped loggers (WithComponent)
  - Use WithEnclave/WithPartition/WithRun when logging inside a
    reconcile cycle
  - Log errors with .Err() for consistent error formatting

Don't:
  - Log sensitive data (credentials, tokens, tf state contents)
  - Use Debug level in production
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
