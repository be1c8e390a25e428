package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/domain/session"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

const (
	// DefaultInterval is how often the stream reads the session's buffers
	DefaultInterval = 500 * time.Millisecond
	minInterval     = 10 * time.Millisecond

	callTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// Frame types sent by the server
const (
	FrameData     = "data"
	FrameDisabled = "disabled"
	FramePong     = "pong"
	FrameAck      = "ack"
	FrameError    = "error"
	FrameClosed   = "closed"
)

// Control types sent by the client
const (
	ControlPing    = "ping"
	ControlDisable = "disable"
)

// Frame is one binary CBOR message sent to the client
type Frame struct {
	Type      string               `cbor:"1,keyasint" json:"type"`
	Chunks    []service.TraceChunk `cbor:"2,keyasint,omitempty" json:"chunks,omitempty"`
	Error     string               `cbor:"3,keyasint,omitempty" json:"error,omitempty"`
	Timestamp time.Time            `cbor:"4,keyasint" json:"timestamp"`
}

// Control is a CBOR message sent by the client
type Control struct {
	Type string `cbor:"1,keyasint" json:"type"`
}

var errConsumerClosed = errors.New("consumer disconnected")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// Handler streams trace data of a remote consumer over a WebSocket
type Handler struct {
	manager  *session.Manager
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	interval time.Duration
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *session.Manager, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	return &Handler{
		manager:  manager,
		metrics:  metrics,
		logger:   logger,
		interval: DefaultInterval,
	}
}

// HandleConnection upgrades GET /consumers/:id/stream. The interval_ms
// query parameter overrides the read interval.
func (h *Handler) HandleConnection(c *gin.Context) {
	token, err := id.ParseConsumerToken(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	consumer, err := h.manager.Get(token)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	interval := h.interval
	if v := c.Query("interval_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid interval_ms"})
			return
		}
		interval = max(time.Duration(ms)*time.Millisecond, minInterval)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	logger := h.logger.With(zap.Stringer("consumer", token))
	logger.Info("stream opened", zap.Duration("interval", interval))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	controls := make(chan Control, 8)
	go h.readControls(ctx, cancel, conn, controls)

	h.stream(ctx, conn, consumer, interval, controls, logger)
	logger.Info("stream closed")
}

// readControls is the connection's only reader
func (h *Handler) readControls(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- Control) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl Control
		if err := codec.Unmarshal(data, &ctl); err != nil {
			ctl = Control{Type: "invalid"}
		}
		h.metrics.RecordWSMessage("in", ctl.Type)
		select {
		case out <- ctl:
		case <-ctx.Done():
			return
		}
	}
}

// stream is the connection's only writer
func (h *Handler) stream(ctx context.Context, conn *websocket.Conn, consumer *session.Consumer, interval time.Duration, controls <-chan Control, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-consumer.Done():
			err = h.closed(conn)
		case ev := <-consumer.Events():
			if ev.Type == session.EventTracingDisabled {
				// deliver whatever the final flush produced before the event
				err = h.flush(ctx, conn, consumer)
				if err == nil {
					err = h.send(conn, Frame{Type: FrameDisabled})
				}
			}
		case ctl := <-controls:
			err = h.handleControl(ctx, conn, consumer, ctl)
		case <-ticker.C:
			err = h.flush(ctx, conn, consumer)
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, errConsumerClosed) {
				logger.Debug("stream ended", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) handleControl(ctx context.Context, conn *websocket.Conn, consumer *session.Consumer, ctl Control) error {
	switch ctl.Type {
	case ControlPing:
		return h.send(conn, Frame{Type: FramePong})
	case ControlDisable:
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if err := consumer.DisableTracing(cctx); err != nil {
			return h.send(conn, Frame{Type: FrameError, Error: err.Error()})
		}
		return h.send(conn, Frame{Type: FrameAck})
	default:
		return h.send(conn, Frame{Type: FrameError, Error: "unknown control type"})
	}
}

// flush sends the chunks written since the last read. Having no session
// yet is not an error; the client may enable one over HTTP later.
func (h *Handler) flush(ctx context.Context, conn *websocket.Conn, consumer *session.Consumer) error {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	chunks, err := consumer.ReadBuffers(cctx)
	switch {
	case errors.Is(err, service.ErrNoSession):
		return nil
	case errors.Is(err, service.ErrDisconnected), errors.Is(err, session.ErrClosed):
		return h.closed(conn)
	case err != nil:
		if sendErr := h.send(conn, Frame{Type: FrameError, Error: err.Error()}); sendErr != nil {
			return sendErr
		}
		return err
	case len(chunks) == 0:
		return nil
	}
	return h.send(conn, Frame{Type: FrameData, Chunks: chunks})
}

func (h *Handler) closed(conn *websocket.Conn) error {
	if err := h.send(conn, Frame{Type: FrameClosed}); err != nil {
		return err
	}
	return errConsumerClosed
}

func (h *Handler) send(conn *websocket.Conn, f Frame) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	data, err := codec.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	h.metrics.RecordWSMessage("out", f.Type)
	return nil
}
