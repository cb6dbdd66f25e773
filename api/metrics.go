package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertEnrollFailureSpike AlertType = "enroll_failure_spike"
	AlertMTLSRejectionSpike AlertType = "mtls_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
// A spike in enrollment failures suggests probing; a spike in mTLS
// rejections suggests a revoked or cloned credential being replayed.
type metricsCollector struct {
	mu sync.Mutex

	enrollFailures  []time.Time
	enrollWindow    time.Duration
	enrollThreshold int

	mtlsRejections []time.Time
	mtlsWindow     time.Duration
	mtlsThreshold  int

	alertFn AlertFunc
}

const (
	defaultEnrollFailureWindow    = 1 * time.Minute
	defaultEnrollFailureThreshold = 25
	defaultMTLSRejectionWindow    = 1 * time.Minute
	defaultMTLSRejectionThreshold = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		enrollWindow:    defaultEnrollFailureWindow,
		enrollThreshold: defaultEnrollFailureThreshold,
		mtlsWindow:      defaultMTLSRejectionWindow,
		mtlsThreshold:   defaultMTLSRejectionThreshold,
		alertFn:         alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditEnrollRejected:
		m.recordEnrollFailure()
	case AuditMTLSRejected:
		m.recordMTLSRejection()
	}
}

func (m *metricsCollector) recordEnrollFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.enrollFailures = append(m.enrollFailures, now)
	m.enrollFailures = trimWindow(m.enrollFailures, now, m.enrollWindow)

	if len(m.enrollFailures) >= m.enrollThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertEnrollFailureSpike,
			Message:   "enrollment failure rate exceeds threshold",
			Count:     len(m.enrollFailures),
			Threshold: m.enrollThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.enrollFailures = m.enrollFailures[:0]
	}
}

func (m *metricsCollector) recordMTLSRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.mtlsRejections = append(m.mtlsRejections, now)
	m.mtlsRejections = trimWindow(m.mtlsRejections, now, m.mtlsWindow)

	if len(m.mtlsRejections) >= m.mtlsThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertMTLSRejectionSpike,
			Message:   "mTLS rejection rate exceeds threshold",
			Count:     len(m.mtlsRejections),
			Threshold: m.mtlsThreshold,
			Timestamp: now,
		})
		m.mtlsRejections = m.mtlsRejections[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
