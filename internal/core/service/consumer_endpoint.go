package service

import (
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// ConsumerEndpoint is the service side of one connected consumer and the
// only way a consumer drives its tracing session. Methods must be called on
// the service's task runner.
type ConsumerEndpoint struct {
	seq       uint64
	service   *Service
	consumer  Consumer
	handle    *handle
	connected bool
}

// EnableTracing starts a session for cfg. Every registered data source
// matching an entry of cfg gets an instance writing into the buffer that
// entry targets. Fails with ErrSessionActive if the consumer already has a
// session, leaving it untouched.
func (c *ConsumerEndpoint) EnableTracing(cfg *traceconfig.TraceConfig) error {
	if !c.connected {
		return ErrDisconnected
	}
	return c.service.enableTracing(c, cfg)
}

// DisableTracing tears down every instance of the session. Its buffers stay
// readable until FreeBuffers. Disabling a disabled session is a no-op.
func (c *ConsumerEndpoint) DisableTracing() error {
	if !c.connected {
		return ErrDisconnected
	}
	return c.service.disableTracing(c)
}

// ReadBuffers delivers the chunks written since the previous read through
// Consumer.OnTraceData
func (c *ConsumerEndpoint) ReadBuffers() error {
	if !c.connected {
		return ErrDisconnected
	}
	return c.service.readBuffers(c)
}

// FreeBuffers destroys the session and releases its buffers, disabling it
// first if needed
func (c *ConsumerEndpoint) FreeBuffers() error {
	if !c.connected {
		return ErrDisconnected
	}
	return c.service.freeBuffers(c)
}

// Session returns the consumer's session, or nil
func (c *ConsumerEndpoint) Session() *TracingSession {
	return c.service.sessions[c]
}

// SessionID returns the id of the consumer's session
func (c *ConsumerEndpoint) SessionID() (id.SessionID, bool) {
	sess, ok := c.service.sessions[c]
	if !ok {
		return "", false
	}
	return sess.id, true
}

// Stats summarizes the consumer's session
func (c *ConsumerEndpoint) Stats() (SessionStats, error) {
	if !c.connected {
		return SessionStats{}, ErrDisconnected
	}
	sess, ok := c.service.sessions[c]
	if !ok {
		return SessionStats{}, ErrNoSession
	}
	return sess.Stats(), nil
}

// Connected reports whether Disconnect has not been called yet
func (c *ConsumerEndpoint) Connected() bool { return c.connected }

// Disconnect frees the consumer's session and drops every reply still
// queued for it. Calling it twice is a no-op.
func (c *ConsumerEndpoint) Disconnect() {
	if !c.connected {
		return
	}
	c.connected = false
	c.service.disconnectConsumer(c)
	c.handle.revoke()
	c.service.runner.PostTask(c.consumer.OnDisconnect)
}
