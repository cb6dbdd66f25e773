package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/certgate/attest"
	"github.com/jmcleod/certgate/ca"
	"github.com/jmcleod/certgate/certs"
)

// defaultExpiryHorizon is the ListExpiring window when the caller does
// not narrow it.
const defaultExpiryHorizon = 7 * 24 * time.Hour

// Health reports service liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CACertificate serves the CA root certificate for client pinning.
// Public material, no authentication.
func (a *API) CACertificate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CACertificateResponse{
		Certificate: string(a.authority.CACertificatePEM()),
		Format:      "PEM",
	})
}

// Enroll handles first-time device enrollment: CSR in, attestation
// checked, certificate out.
func (a *API) Enroll(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.enrollGlobalLimiter.check(); blocked {
		a.audit.logRejection(AuditEnrollRateLimited, r, "global limit")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.enrollLimiter.check(ip); blocked {
		a.audit.logRejection(AuditEnrollRateLimited, r, "ip limit", slog.String("ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}
	a.enrollLimiter.record(ip)
	a.enrollGlobalLimiter.record()

	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errKindBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, errKindBadRequest, "device_id is required")
		return
	}
	platform, err := certs.ParsePlatform(req.Platform)
	if err != nil {
		a.audit.logDevice(AuditEnrollRejected, r, req.DeviceID, slog.String("reason", "unknown_platform"))
		mapError(w, err)
		return
	}
	validity, ok := parseValidity(w, req.Validity)
	if !ok {
		return
	}

	issued, err := a.authority.Sign(r.Context(), ca.SignRequest{
		CSRPEM:   []byte(req.CSR),
		DeviceID: req.DeviceID,
		Platform: platform,
		Validity: validity,
		Attestation: attest.Evidence{
			Nonce:       req.Attestation.Nonce,
			Token:       req.Attestation.Token,
			Fingerprint: req.Attestation.Fingerprint,
		},
	})
	if err != nil {
		a.audit.logDevice(AuditEnrollRejected, r, req.DeviceID,
			slog.String("platform", req.Platform), slog.String("error", err.Error()))
		mapError(w, err)
		return
	}

	a.audit.logDevice(AuditEnrollSuccess, r, req.DeviceID,
		slog.String("platform", req.Platform),
		slog.String("serial", issued.Record.Serial))
	writeJSON(w, http.StatusCreated, enrollResponse(issued))
}

// Renew reissues a certificate for the mTLS-authenticated device. The
// validated identity comes from the middleware, never from the body.
func (a *API) Renew(w http.ResponseWriter, r *http.Request) {
	deviceID := DeviceIdentity(r.Context())
	if deviceID == "" {
		writeError(w, http.StatusUnauthorized, errKindCredentialRequired, "client certificate required")
		return
	}

	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errKindBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		writeError(w, http.StatusForbidden, errKindForbidden, "device_id does not match presented certificate")
		return
	}
	platform, err := certs.ParsePlatform(req.Platform)
	if err != nil {
		mapError(w, err)
		return
	}
	validity, ok := parseValidity(w, req.Validity)
	if !ok {
		return
	}

	issued, err := a.authority.Renew(r.Context(), ca.SignRequest{
		CSRPEM:   []byte(req.CSR),
		DeviceID: deviceID,
		Platform: platform,
		Validity: validity,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logDevice(AuditCertRenewed, r, deviceID,
		slog.String("serial", issued.Record.Serial))
	writeJSON(w, http.StatusCreated, enrollResponse(issued))
}

// Revoke invalidates a certificate by serial. Idempotent.
func (a *API) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errKindBadRequest, "invalid JSON body")
		return
	}
	if req.Serial == "" {
		writeError(w, http.StatusBadRequest, errKindBadRequest, "serial_number is required")
		return
	}

	if err := a.authority.Revoke(r.Context(), req.Serial); err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertRevoked, r,
		slog.String("serial", req.Serial),
		slog.String("revocation_reason", req.Reason))
	writeJSON(w, http.StatusOK, RevokeResponse{Serial: req.Serial, Revoked: true})
}

// ListExpiring returns non-revoked certificates expiring within the
// horizon, soonest first. The horizon defaults to 7 days and can be
// narrowed or widened with ?within=<duration>.
func (a *API) ListExpiring(w http.ResponseWriter, r *http.Request) {
	horizon := defaultExpiryHorizon
	if v := r.URL.Query().Get("within"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, errKindBadRequest, "within must be a positive duration")
			return
		}
		horizon = d
	}

	recs, err := a.store.ListExpiring(r.Context(), a.now().Add(horizon))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordList(recs, a.now()))
}

// ListDeviceCertificates returns the full certificate history for a
// device, most recently issued first.
func (a *API) ListDeviceCertificates(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	recs, err := a.store.GetByDevice(r.Context(), deviceID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordList(recs, a.now()))
}

// parseValidity decodes the optional validity field, writing a 400 on a
// malformed duration. Bounds enforcement belongs to issuance policy.
func parseValidity(w http.ResponseWriter, v string) (time.Duration, bool) {
	if v == "" {
		return 0, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, errKindBadRequest, "validity must be a positive duration")
		return 0, false
	}
	return d, true
}

func enrollResponse(issued *ca.Issued) EnrollResponse {
	return EnrollResponse{
		Certificate: string(issued.CertificatePEM),
		Serial:      issued.Record.Serial,
		DeviceID:    issued.Record.DeviceID,
		Platform:    string(issued.Record.Platform),
		IssuedAt:    issued.Record.IssuedAt,
		ExpiresAt:   issued.Record.ExpiresAt,
	}
}

func recordList(recs []*certs.Record, now time.Time) CertificateListResponse {
	out := CertificateListResponse{
		Certificates: make([]CertificateRecord, 0, len(recs)),
	}
	for _, rec := range recs {
		out.Certificates = append(out.Certificates, CertificateRecord{
			DeviceID:  rec.DeviceID,
			Serial:    rec.Serial,
			Platform:  string(rec.Platform),
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			Revoked:   rec.Revoked,
			RevokedAt: rec.RevokedAt,
			Active:    rec.Active(now),
		})
	}
	out.Count = len(out.Certificates)
	return out
}
