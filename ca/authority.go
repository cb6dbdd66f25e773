// Package ca implements the certificate authority engine: it signs device
// CSRs under issuance policy, gates enrollment on platform attestation,
// and records every issued certificate in the store before the credential
// is released.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/certgate/attest"
	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

// clockSkewGrace backdates NotBefore so freshly issued certificates
// validate on clients with slightly lagging clocks.
const clockSkewGrace = 5 * time.Minute

// Authority signs device certificates under a fixed root. It is safe for
// concurrent use.
type Authority struct {
	signer  crypto.Signer
	cert    *x509.Certificate
	certPEM []byte
	store   storage.Repository
	gates   map[certs.Platform]attest.Gate
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the structured logger for issuance audit events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithGate installs the attestation gate for a platform. Platforms
// without a gate refuse enrollment.
func WithGate(platform certs.Platform, g attest.Gate) Option {
	return func(a *Authority) { a.gates[platform] = g }
}

// WithPolicy replaces the default issuance policy.
func WithPolicy(p Policy) Option {
	return func(a *Authority) { a.policy = p }
}

// New creates an Authority signing with the given CA key pair and
// recording issued certificates in store.
func New(signer crypto.Signer, cert *x509.Certificate, certPEM []byte, store storage.Repository, opts ...Option) (*Authority, error) {
	if signer == nil || cert == nil || store == nil {
		return nil, fmt.Errorf("signer, certificate and store are required")
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("signing certificate is not a CA certificate")
	}
	a := &Authority{
		signer:  signer,
		cert:    cert,
		certPEM: certPEM,
		store:   store,
		gates:   make(map[certs.Platform]attest.Gate),
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CACertificatePEM returns the PEM encoding of the CA certificate.
// Public material, served to clients for pinning.
func (a *Authority) CACertificatePEM() []byte {
	return a.certPEM
}

// CACertificate returns the parsed CA certificate.
func (a *Authority) CACertificate() *x509.Certificate {
	return a.cert
}

// SignRequest carries one enrollment or renewal request into the engine.
type SignRequest struct {
	// CSRPEM is the PEM-encoded PKCS#10 request. The subject the client
	// put in it is ignored; identity comes from DeviceID.
	CSRPEM []byte

	DeviceID string
	Platform certs.Platform

	// Validity optionally shortens the certificate lifetime below the
	// platform default. Zero means the default; longer lifetimes are a
	// policy violation.
	Validity time.Duration

	// Attestation is the platform evidence. Ignored on renewal, where
	// possession of a valid client certificate replaces it.
	Attestation attest.Evidence
}

// Issued is the result of a successful signing operation.
type Issued struct {
	Record         *certs.Record
	CertificatePEM []byte
}

// Sign enrolls a device: it verifies the CSR, enforces key policy, runs
// platform attestation, and issues a certificate that is persisted before
// it is returned. On any failure no credential is released.
func (a *Authority) Sign(ctx context.Context, req SignRequest) (*Issued, error) {
	csr, validity, err := a.checkRequest(req)
	if err != nil {
		return nil, err
	}

	if err := a.attest(ctx, req); err != nil {
		a.logger.Warn("enrollment attestation failed",
			"device_id", req.DeviceID, "platform", string(req.Platform), "error", err)
		return nil, err
	}

	return a.issue(ctx, csr, req.DeviceID, req.Platform, validity)
}

// Renew reissues a certificate for a device that already holds an active
// one. The caller is responsible for having authenticated the device over
// mTLS; attestation is not repeated. A fresh CSR is required so the new
// certificate gets a new key pair if the client rotated it.
func (a *Authority) Renew(ctx context.Context, req SignRequest) (*Issued, error) {
	csr, validity, err := a.checkRequest(req)
	if err != nil {
		return nil, err
	}

	prior, err := a.store.GetByDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	now := a.now()
	var active []*certs.Record
	for _, rec := range prior {
		if rec.Active(now) {
			active = append(active, rec)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActiveCertificate
	}

	issued, err := a.issue(ctx, csr, req.DeviceID, req.Platform, validity)
	if err != nil {
		return nil, err
	}

	if a.policy.SupersedeOnRenew {
		for _, rec := range active {
			if err := a.store.Revoke(ctx, rec.Serial); err != nil {
				return nil, fmt.Errorf("%w: superseding serial %s: %v", ErrStorageFailure, rec.Serial, err)
			}
			a.logger.Info("certificate superseded",
				"device_id", req.DeviceID, "serial", rec.Serial, "replaced_by", issued.Record.Serial)
		}
	}
	return issued, nil
}

// Revoke marks the certificate with the given serial as revoked.
// Idempotent; unknown serials return storage.ErrNotFound.
func (a *Authority) Revoke(ctx context.Context, serial string) error {
	err := a.store.Revoke(ctx, serial)
	switch {
	case err == nil:
		a.logger.Info("certificate revoked", "serial", serial)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
}

func (a *Authority) checkRequest(req SignRequest) (*x509.CertificateRequest, time.Duration, error) {
	if req.DeviceID == "" {
		return nil, 0, fmt.Errorf("%w: device id required", ErrPolicyViolation)
	}
	if len(req.CSRPEM) == 0 {
		return nil, 0, fmt.Errorf("%w: empty request body", ErrMalformedCSR)
	}
	csr, err := certs.ParseCSRPEM(req.CSRPEM)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedCSR, err)
	}
	if err := a.policy.checkPublicKey(csr.PublicKey); err != nil {
		return nil, 0, err
	}
	validity, err := a.policy.validityFor(req.Platform, req.Validity)
	if err != nil {
		return nil, 0, err
	}
	return csr, validity, nil
}

func (a *Authority) attest(ctx context.Context, req SignRequest) error {
	gate, ok := a.gates[req.Platform]
	if !ok {
		return fmt.Errorf("%w: no attestation configured for platform %s", ErrAttestationFailed, req.Platform)
	}

	ev := req.Attestation
	ev.DeviceID = req.DeviceID

	ctx, cancel := context.WithTimeout(ctx, a.policy.AttestationTimeout)
	defer cancel()
	if err := gate.Verify(ctx, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}
	return nil
}

// issue signs the CSR and persists the record. The certificate is
// returned only after the store write succeeds.
func (a *Authority) issue(ctx context.Context, csr *x509.CertificateRequest, deviceID string, platform certs.Platform, validity time.Duration) (*Issued, error) {
	fingerprint, err := certs.PublicKeyFingerprint(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCSR, err)
	}

	now := a.now().UTC()
	notBefore := now.Add(-clockSkewGrace)
	notAfter := now.Add(validity)

	for attempt := 0; attempt <= a.policy.SerialRetries; attempt++ {
		serialInt, serial, err := certs.NewSerial()
		if err != nil {
			return nil, err
		}

		ski := sha256.Sum256(csr.RawSubjectPublicKeyInfo)
		template := &x509.Certificate{
			SerialNumber: serialInt,
			Subject: pkix.Name{
				CommonName:   deviceID,
				Organization: []string{a.policy.Organization},
			},
			NotBefore:             notBefore,
			NotAfter:              notAfter,
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			BasicConstraintsValid: true,
			SubjectKeyId:          ski[:20],
		}

		der, err := x509.CreateCertificate(rand.Reader, template, a.cert, csr.PublicKey, a.signer)
		if err != nil {
			return nil, fmt.Errorf("signing certificate: %w", err)
		}
		certPEM := certs.EncodeCertificatePEM(der)

		rec := &certs.Record{
			DeviceID:       deviceID,
			Serial:         serial,
			Platform:       platform,
			IssuedAt:       notBefore,
			ExpiresAt:      notAfter,
			Fingerprint:    fingerprint,
			CertificatePEM: string(certPEM),
		}

		err = a.store.Put(ctx, rec)
		switch {
		case err == nil:
			a.logger.Info("certificate issued",
				"device_id", deviceID,
				"platform", string(platform),
				"serial", serial,
				"key", certs.KeyAlgorithmString(csr.PublicKey),
				"expires_at", notAfter)
			return &Issued{Record: rec, CertificatePEM: certPEM}, nil
		case errors.Is(err, storage.ErrDuplicateSerial):
			a.logger.Warn("serial collision, regenerating", "serial", serial, "attempt", attempt+1)
			continue
		default:
			a.logger.Error("persisting certificate record failed",
				"device_id", deviceID, "serial", serial, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}
	return nil, ErrSerialCollision
}
