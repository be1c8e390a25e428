// tracectl is the command line consumer for traced.
//
// It lists what producers have registered and records traces: "trace"
// connects as a consumer, starts a session from a JSON, YAML or TOML
// trace config, polls the buffers until the duration elapses or the
// user interrupts, then prints the session statistics and frees it.
//
// Usage:
//
//	tracectl sources
//	tracectl producers
//	tracectl trace --duration 10s --output trace.cbor config.yaml
package main
