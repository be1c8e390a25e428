// Package config provides 12-factor configuration management for traced.
//
// Configuration is loaded from environment variables with sensible defaults.
// cmd/traced lets a few CLI flags override the environment.
//
// Configuration Sections:
//   - Server: HTTP listen address of the consumer API
//   - Service: shared memory, trace buffer and notification limits
//   - Probes: built-in producers
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting of the HTTP API
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("listening on %s\n", cfg.Addr())
//
// Environment Variables:
//   - TRACED_PORT, TRACED_HOST
//   - TRACED_SHM_BACKEND, TRACED_SHM_PAGE_SIZE, TRACED_SHM_DEFAULT_SIZE, TRACED_SHM_MAX_SIZE
//   - TRACED_BUFFER_PAGE_SIZE, TRACED_MAX_BUFFER_SIZE, TRACED_MAX_BUFFERS
//   - TRACED_NOTIFY_RATE, TRACED_NOTIFY_BURST, TRACED_READ_BATCH_BYTES
//   - TRACED_QUARANTINE_FAILURES, TRACED_QUARANTINE_TIMEOUT
//   - TRACED_PROBE_STATS_ENABLED, TRACED_PROBE_STATS_INTERVAL
//   - TRACED_LOG_LEVEL, TRACED_LOG_DEV
//   - TRACED_RATE_LIMIT_RPS, TRACED_RATE_LIMIT_BURST, TRACED_RATE_LIMIT_ENABLED
package config
