/*
Package log provides structured logging for Gantry using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and child-logger
helpers for the common logging contexts: a tenant/pipeline pair and the id of
the trigger event currently being processed. All logs include timestamps and
support filtering by severity level.

Typical usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	plog := log.WithPipeline("example", "gate")
	elog := log.WithEvent(plog, event.ID)
	elog.Info().Str("change", change.Key.Reference()).Msg("Change enqueued")
*/
package log
