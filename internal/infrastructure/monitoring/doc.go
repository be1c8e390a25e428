/*
Package monitoring provides Prometheus metrics for the tracing service.

# Overview

Metrics are registered on an injected prometheus.Registerer so a process can
expose them on /metrics while tests use a private registry.

# Features

- Endpoint and session gauges (producers, consumers, sessions, buffers)
- Copy path counters (chunks and bytes copied, drops by reason, overwrites)
- Notification coalescing and producer quarantine counters
- HTTP request metrics through a Gin middleware
- Operation timing through Timer

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	timer := monitoring.NewTimer(metrics, "consumer", "enable")
	err := endpoint.EnableTracing(cfg)
	timer.StopErr(err)
*/
package monitoring
