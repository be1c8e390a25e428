package monitoring

import "time"

// Snapshot returns the current values tracked for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

// StartTime returns when the metrics were created
func (m *Metrics) StartTime() time.Time {
	return m.startTime
}
