package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/taskrunner"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/domain/session"
)

// StatusFor maps a service or session error to an HTTP status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, service.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidConfig), errors.Is(err, traceconfig.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrResourceExhausted), errors.Is(err, taskrunner.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrDisconnected), errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(StatusFor(err), gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
