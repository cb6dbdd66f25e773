package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/certgate/ca"
	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

// Error kinds exposed in the "error" field of ErrorResponse. Stable
// machine-readable strings; the "message" field carries detail.
const (
	errKindMalformedCSR       = "malformed_csr"
	errKindPolicyViolation    = "policy_violation"
	errKindAttestationFailed  = "attestation_failed"
	errKindSerialCollision    = "serial_collision"
	errKindStorageFailure     = "storage_failure"
	errKindNotFound           = "not_found"
	errKindNoActiveCert       = "no_active_certificate"
	errKindCredentialRequired = "credential_required"
	errKindForbidden          = "forbidden"
	errKindRateLimited        = "rate_limited"
	errKindBadRequest         = "bad_request"
	errKindInternal           = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: msg})
}

// mapError translates engine and store errors into HTTP responses.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ca.ErrMalformedCSR):
		writeError(w, http.StatusBadRequest, errKindMalformedCSR, err.Error())
	case errors.Is(err, ca.ErrPolicyViolation):
		writeError(w, http.StatusBadRequest, errKindPolicyViolation, err.Error())
	case errors.Is(err, certs.ErrUnknownPlatform):
		writeError(w, http.StatusBadRequest, errKindBadRequest, err.Error())
	case errors.Is(err, ca.ErrAttestationFailed):
		writeError(w, http.StatusForbidden, errKindAttestationFailed, err.Error())
	case errors.Is(err, ca.ErrNoActiveCertificate):
		writeError(w, http.StatusConflict, errKindNoActiveCert, err.Error())
	case errors.Is(err, ca.ErrSerialCollision):
		writeError(w, http.StatusInternalServerError, errKindSerialCollision, err.Error())
	case errors.Is(err, ca.ErrStorageFailure):
		writeError(w, http.StatusServiceUnavailable, errKindStorageFailure, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, errKindNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, errKindInternal, err.Error())
	}
}
