package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditEnrollSuccess     AuditEvent = "enroll_success"
	AuditEnrollRejected    AuditEvent = "enroll_rejected"
	AuditEnrollRateLimited AuditEvent = "enroll_rate_limited"
	AuditCertRenewed       AuditEvent = "cert_renewed"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditMTLSRejected      AuditEvent = "mtls_rejected"
	AuditAdminAuthFailed   AuditEvent = "admin_auth_failed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Device IDs and serials are
// safe to log; certificate material and attestation tokens are not and
// must never be passed in.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logDevice is a convenience for events tied to a device.
func (al *auditLogger) logDevice(event AuditEvent, r *http.Request, deviceID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("device_id", deviceID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logRejection logs a refused request with its reason.
func (al *auditLogger) logRejection(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
