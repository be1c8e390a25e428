// Package http exposes the consumer side of the tracing service over a
// REST API. Every remote consumer is a session.Consumer addressed by its
// token in the :id path parameter.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/domain/session"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// DefaultCallTimeout bounds how long a handler waits for the service
const DefaultCallTimeout = 10 * time.Second

// maxConfigBytes bounds the size of an enable request body
const maxConfigBytes = 1 << 20

// Handlers contains all HTTP handlers
type Handlers struct {
	manager *session.Manager
	metrics *HandlerMetrics
	logger  *zap.Logger
	timeout time.Duration
	started time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(manager *session.Manager, metrics *HandlerMetrics, logger *zap.Logger, timeout time.Duration) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Handlers{
		manager: manager,
		metrics: metrics,
		logger:  logger,
		timeout: timeout,
		started: time.Now(),
	}
}

// Register mounts the handlers on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/producers", h.ListProducers)
	r.GET("/data-sources", h.ListDataSources)

	r.GET("/consumers", h.ListConsumers)
	r.POST("/consumers", h.Connect)
	r.DELETE("/consumers/:id", h.Disconnect)
	r.POST("/consumers/:id/enable", h.EnableTracing)
	r.POST("/consumers/:id/disable", h.DisableTracing)
	r.POST("/consumers/:id/read", h.ReadBuffers)
	r.POST("/consumers/:id/free", h.FreeBuffers)
	r.GET("/consumers/:id/stats", h.Stats)
}

func (h *Handlers) callContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// consumer resolves the :id parameter, writing the error response itself
func (h *Handlers) consumer(c *gin.Context) (*session.Consumer, bool) {
	token, err := id.ParseConsumerToken(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return nil, false
	}
	consumer, err := h.manager.Get(token)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return consumer, true
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "traced",
		"version": "0.3.0",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := h.callContext(c)
	defer cancel()

	ov, err := h.manager.Overview(ctx)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"producers":      len(ov.Producers),
		"consumers":      len(h.manager.List()),
		"sessions":       ov.NumSessions,
		"buffers":        ov.NumBuffers,
		"totals":         ov.Totals,
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
}

// ListProducers lists connected producers and their data sources
func (h *Handlers) ListProducers(c *gin.Context) {
	done := h.metrics.TrackQueryOperation("list_producers")
	ctx, cancel := h.callContext(c)
	defer cancel()

	ov, err := h.manager.Overview(ctx)
	done(err)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"producers": ov.Producers,
		"count":     len(ov.Producers),
	})
}

// ListDataSources lists registered data sources
func (h *Handlers) ListDataSources(c *gin.Context) {
	done := h.metrics.TrackQueryOperation("list_data_sources")
	ctx, cancel := h.callContext(c)
	defer cancel()

	ds, err := h.manager.DataSources(ctx)
	done(err)
	if err != nil {
		fail(c, err)
		return
	}
	if ds == nil {
		ds = []service.DataSourceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data_sources": ds,
		"count":        len(ds),
	})
}

// ListConsumers lists remote consumers
func (h *Handlers) ListConsumers(c *gin.Context) {
	list := h.manager.List()
	if list == nil {
		list = []session.Info{}
	}
	c.JSON(http.StatusOK, gin.H{
		"consumers": list,
		"count":     len(list),
	})
}

// Connect creates a remote consumer
func (h *Handlers) Connect(c *gin.Context) {
	done := h.metrics.TrackConsumerOperation("connect")
	ctx, cancel := h.callContext(c)
	defer cancel()

	consumer, err := h.manager.Connect(ctx)
	done(err)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"id":      consumer.Token(),
	})
}

// Disconnect disconnects a remote consumer, freeing its session
func (h *Handlers) Disconnect(c *gin.Context) {
	consumer, ok := h.consumer(c)
	if !ok {
		return
	}
	done := h.metrics.TrackConsumerOperation("disconnect")
	ctx, cancel := h.callContext(c)
	defer cancel()

	err := h.manager.Disconnect(ctx, consumer.Token())
	done(err)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": consumer.Token()})
}

// EnableTracing starts a session from a JSON, YAML or TOML trace config,
// selected by the request Content-Type
func (h *Handlers) EnableTracing(c *gin.Context) {
	consumer, ok := h.consumer(c)
	if !ok {
		return
	}
	done := h.metrics.TrackConsumerOperation("enable_tracing")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxConfigBytes)
	body, err := c.GetRawData()
	if err != nil {
		done(err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "reading body: " + err.Error()})
		return
	}
	cfg, err := traceconfig.Parse(body, traceconfig.FormatFromContentType(c.GetHeader("Content-Type")))
	if err != nil {
		done(err)
		fail(c, err)
		return
	}

	ctx, cancel := h.callContext(c)
	defer cancel()
	err = consumer.EnableTracing(ctx, cfg)
	done(err)
	if err != nil {
		fail(c, err)
		return
	}

	h.logger.Info("tracing enabled",
		zap.Stringer("consumer", consumer.Token()),
		zap.Int("buffers", len(cfg.Buffers)),
		zap.Int("data_sources", len(cfg.DataSources)))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DisableTracing stops the session's data sources
func (h *Handlers) DisableTracing(c *gin.Context) {
	h.simple(c, "disable_tracing", (*session.Consumer).DisableTracing)
}

// FreeBuffers destroys the session
func (h *Handlers) FreeBuffers(c *gin.Context) {
	h.simple(c, "free_buffers", (*session.Consumer).FreeBuffers)
}

func (h *Handlers) simple(c *gin.Context, op string, fn func(*session.Consumer, context.Context) error) {
	consumer, ok := h.consumer(c)
	if !ok {
		return
	}
	done := h.metrics.TrackConsumerOperation(op)
	ctx, cancel := h.callContext(c)
	defer cancel()

	err := fn(consumer, ctx)
	done(err)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReadBuffers returns the chunks written since the previous read. The body
// is CBOR when the client accepts application/cbor and is compressed with
// zstd, lz4 or gzip per Accept-Encoding.
func (h *Handlers) ReadBuffers(c *gin.Context) {
	consumer, ok := h.consumer(c)
	if !ok {
		return
	}
	done := h.metrics.TrackConsumerOperation("read_buffers")
	ctx, cancel := h.callContext(c)
	defer cancel()

	chunks, err := consumer.ReadBuffers(ctx)
	if err != nil {
		done(err)
		fail(c, err)
		return
	}
	err = writeRead(c, NewReadResponse(chunks))
	done(err)
	if err != nil {
		h.logger.Error("writing read response", zap.Error(err))
		fail(c, err)
	}
}

// Stats returns the session statistics
func (h *Handlers) Stats(c *gin.Context) {
	consumer, ok := h.consumer(c)
	if !ok {
		return
	}
	ctx, cancel := h.callContext(c)
	defer cancel()

	st, err := consumer.Stats(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
