package api

import "time"

// AttestationPayload carries platform attestation evidence inside an
// enrollment request.
type AttestationPayload struct {
	// Nonce is the server-issued challenge echoed inside the evidence.
	Nonce string `json:"nonce,omitempty"`

	// Token is the SafetyNet JWS (android) or DeviceCheck token (ios).
	Token string `json:"token,omitempty"`

	// Fingerprint is the desktop hardware fingerprint.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// EnrollRequest is the body of POST /enroll and POST /renew.
type EnrollRequest struct {
	// CSR is the PEM-encoded PKCS#10 signing request.
	CSR string `json:"csr"`

	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`

	// Validity optionally shortens the certificate lifetime below the
	// platform default, as a Go duration string such as "48h".
	Validity string `json:"validity,omitempty"`

	// Attestation is required on enrollment and ignored on renewal.
	Attestation AttestationPayload `json:"attestation"`
}

// EnrollResponse returns the issued certificate and its record metadata.
type EnrollResponse struct {
	Certificate string    `json:"certificate"`
	Serial      string    `json:"serial_number"`
	DeviceID    string    `json:"device_id"`
	Platform    string    `json:"platform"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RevokeRequest is the body of POST /admin/revoke.
type RevokeRequest struct {
	Serial string `json:"serial_number"`
	Reason string `json:"reason,omitempty"`
}

// RevokeResponse acknowledges a revocation.
type RevokeResponse struct {
	Serial  string `json:"serial_number"`
	Revoked bool   `json:"revoked"`
}

// CACertificateResponse returns the CA root for client pinning.
type CACertificateResponse struct {
	Certificate string `json:"certificate"`
	Format      string `json:"format"`
}

// CertificateRecord is the API shape of one stored certificate record.
type CertificateRecord struct {
	DeviceID  string     `json:"device_id"`
	Serial    string     `json:"serial_number"`
	Platform  string     `json:"platform"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Active    bool       `json:"active"`
}

// CertificateListResponse wraps a list of records.
type CertificateListResponse struct {
	Certificates []CertificateRecord `json:"certificates"`
	Count        int                 `json:"count"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
