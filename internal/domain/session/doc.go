// Package session manages consumers that drive tracing sessions over the
// network.
//
// The tracing service is single threaded and replies asynchronously. A
// Consumer bridges that to the request/response shape of HTTP handlers and
// the websocket stream: each call enters the service through the Executor
// and, for ReadBuffers, waits for the matching final OnTraceData batch.
//
// Consumers are identified by random tokens (id.ConsumerToken) so a remote
// client can address its own consumer across requests.
//
// Example Usage:
//
//	loop := taskrunner.NewLoop(logger)
//	svc := service.New(loop, service.DefaultConfig(), logger, metrics)
//	manager := session.NewManager(loop, svc, logger)
//
//	c, err := manager.Connect(ctx)
//	err = c.EnableTracing(ctx, cfg)
//	chunks, err := c.ReadBuffers(ctx)
//	err = manager.Disconnect(ctx, c.Token())
package session
