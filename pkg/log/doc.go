/*
Package log provides structured logging for joblet using zerolog.

# Overview

joblet's logging system provides structured JSON logging with minimal overhead:

	┌─────────────────────────────────────────────────┐
	│                  log Package                      │
	│                                                     │
	│  Global Logger (zerolog.Logger)                    │
	│  │                                                  │
	│  ├─ Init(Config) - configure level/format/output   │
	│  ├─ WithComponent("scheduler")                      │
	│  ├─ WithJobID("9f3c...")                            │
	│  ├─ WithWorkflowID("wf-1")                          │
	│  └─ WithRuntime("python-3.11-ml")                   │
	│                                                     │
	└─────────────────────────────────────────────────┘

This is a thin wrapper over zerolog: it owns one process-global Logger,
initialized once at startup from Config, and a handful of With* helpers
that attach the context fields jobletd's components reach for most often.
Everything else is plain zerolog - call .With()/.Str()/.Err() directly
when a helper doesn't exist for the field you need.

# Configuration

Init takes a Config:

  - Level: debug, info, warn, error (default info)
  - JSONOutput: true for structured JSON (production), false for a
    human-readable console writer (local development)
  - Output: an io.Writer; defaults to os.Stdout

# Usage

	import "github.com/cuemby/joblet/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("jobletd starting")

	jobLog := log.WithJobID(job.ID)
	jobLog.Info().Str("runtime", job.RuntimeName).Msg("sandbox built")

# Component loggers

Each component (scheduler, sandbox builder, supervisor, log bus, workflow
resolver, API surface) should derive its own logger once at construction
time via WithComponent and hold it as a field, rather than calling the
package-level helpers from deep inside request handling:

	type Scheduler struct {
		logger zerolog.Logger
		...
	}

	func New(...) *Scheduler {
		return &Scheduler{logger: log.WithComponent("scheduler"), ...}
	}

# What never goes through this package

Secret environment variable values never reach a log call anywhere in this
module - see pkg/vault. A logger configured here has no knowledge of
secrets and no redaction step, because there should never be anything to
redact.

# Output example

	{"level":"info","component":"scheduler","job_id":"9f3c...","time":"2026-01-09T10:30:02Z","message":"admitted"}

Console mode renders the same record as:

	2026-01-09T10:30:02Z INF admitted component=scheduler job_id=9f3c...
*/
package log
