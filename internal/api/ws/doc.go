// Package ws streams a remote consumer's trace data over a WebSocket.
//
// After the upgrade the server periodically reads the consumer's session
// and pushes every new chunk to the client. All messages are binary CBOR.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//   - disable: Disable tracing for the consumer's session
//
// Message Types (Server → Client):
//   - data: Chunks read since the previous frame
//   - disabled: The session stopped, on request or after its duration
//   - pong / ack: Replies to ping and disable
//   - error: A call failed
//   - closed: The consumer was disconnected
//
// Example Usage:
//
//	handler := ws.NewHandler(manager, metrics, logger)
//	router.GET("/consumers/:id/stream", handler.HandleConnection)
package ws
