/*
Package log provides structured logging for surge, built on zerolog.

Init configures the global logger once at process start; components derive
child loggers with stable fields so every line carries its origin:

	logger := log.WithComponent("executor")
	logger.Info().Str("group_id", g.ID).Msg("plan executed")

Console output is the default for interactive use; JSON output is intended
for production log pipelines.
*/
package log
