// Package main is the entry point for traced, the tracing service daemon.
//
// traced owns the tracing service core: producers register data sources
// and write trace chunks into shared memory, consumers start sessions and
// read the collected trace back. Remote consumers use the HTTP API and
// the websocket stream; the built-in stats probe is the in-process
// producer.
//
// Configuration:
//   - Environment variables (TRACED_*)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Listen on all interfaces with memfd shared memory
//	./traced --host 0.0.0.0 --port 8090 --shm-backend memfd
//
//	# Development mode (console logs, debug level)
//	./traced --dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
