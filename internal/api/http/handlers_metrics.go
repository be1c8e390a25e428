package http

import (
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
)

// HandlerMetrics wraps handlers with metrics tracking
type HandlerMetrics struct {
	metrics *monitoring.Metrics
}

// NewHandlerMetrics creates a metrics wrapper
func NewHandlerMetrics(metrics *monitoring.Metrics) *HandlerMetrics {
	return &HandlerMetrics{metrics: metrics}
}

// TrackConsumerOperation times a call made on behalf of a remote consumer.
// The returned func records the outcome.
func (hm *HandlerMetrics) TrackConsumerOperation(operation string) func(error) {
	return monitoring.NewTimer(hm.metrics, "consumer", operation).StopErr
}

// TrackQueryOperation times a read-only query of the service state
func (hm *HandlerMetrics) TrackQueryOperation(operation string) func(error) {
	return monitoring.NewTimer(hm.metrics, "query", operation).StopErr
}
