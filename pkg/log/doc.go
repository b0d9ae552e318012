/*
Package log provides structured logging for Sentinel using zerolog.

The package wraps a single global zerolog.Logger. It is initialised once at
process start with Init and shared by every recovery component. Components
derive child loggers that carry a fixed "component" field so that the output
of the coordinator, the decision engine, and the network switch manager can be
filtered independently.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	logger := log.WithComponent("coordinator")
	logger.Info().
		Str("kind", "restart").
		Str("reason", "excessive reset failures").
		Msg("restart skipped (cooldown)")

Correlation Helpers:

	log.WithIdentity("com.example.chat").Debug().Msg("identity stale")
	log.WithRequestID(req.ID).Warn().Err(err).Msg("request failed")
	log.WithNetwork("wlan0:42").Info().Msg("underlying network switched")

# Level Conventions

  - Debug: loop ticks, WAIT/IGNORE decisions, aggregation of network events
  - Info: executed corrective operations and gated skips (cooldown, state)
  - Warn: collaborator failures, failed connectivity probes, escalations
  - Error: configuration and storage failures

A zero-value Logger discards output, so packages can be exercised in tests
without calling Init.
*/
package log
