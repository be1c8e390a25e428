package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/domain/session"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
)

// MetricsAggregator combines the HTTP metrics snapshot with the service
// counters for the JSON metrics endpoint
type MetricsAggregator struct {
	metrics *monitoring.Metrics
	manager *session.Manager
	timeout time.Duration
}

// NewMetricsAggregator creates a metrics aggregator
func NewMetricsAggregator(metrics *monitoring.Metrics, manager *session.Manager) *MetricsAggregator {
	return &MetricsAggregator{
		metrics: metrics,
		manager: manager,
		timeout: 2 * time.Second,
	}
}

// MetricsSnapshot represents a snapshot of all metrics
type MetricsSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	HTTP      monitoring.MetricsSnapshot `json:"http"`
	Service   *ServiceMetrics            `json:"service,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// ServiceMetrics are the service counters at snapshot time
type ServiceMetrics struct {
	Producers   int            `json:"producers"`
	Quarantined int            `json:"quarantined"`
	DataSources int            `json:"data_sources"`
	Consumers   int            `json:"consumers"`
	Sessions    int            `json:"sessions"`
	Buffers     int            `json:"buffers"`
	Totals      service.Totals `json:"totals"`
}

// Collect builds a snapshot. A service that does not answer in time leaves
// Service nil and sets Error.
func (ma *MetricsAggregator) Collect(ctx context.Context) MetricsSnapshot {
	snap := MetricsSnapshot{
		Timestamp: time.Now(),
		HTTP:      ma.metrics.Snapshot(),
	}

	ctx, cancel := context.WithTimeout(ctx, ma.timeout)
	defer cancel()
	ov, err := ma.manager.Overview(ctx)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}

	sm := &ServiceMetrics{
		Producers: len(ov.Producers),
		Consumers: len(ma.manager.List()),
		Sessions:  ov.NumSessions,
		Buffers:   ov.NumBuffers,
		Totals:    ov.Totals,
	}
	for _, p := range ov.Producers {
		if p.Quarantined {
			sm.Quarantined++
		}
		sm.DataSources += len(p.DataSources)
	}
	snap.Service = sm
	return snap
}

// GetAggregatedMetrics serves the snapshot as JSON
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, ma.Collect(c.Request.Context()))
}
