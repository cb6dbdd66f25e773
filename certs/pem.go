package certs

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrBadSignature is returned when a CSR's self-signature does not
	// verify, meaning the requester does not hold the private key for the
	// public key it submitted.
	ErrBadSignature = errors.New("CSR signature invalid")
)

// ParseCSRPEM decodes a PEM-encoded PKCS#10 certificate signing request
// and verifies its self-signature (proof of possession of the private key).
func ParseCSRPEM(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("CSR: %w", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return csr, nil
}

// ParseCertificatePEM decodes a single PEM-encoded X.509 certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// EncodeCertificatePEM wraps DER certificate bytes in a PEM block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// SerialString renders a certificate serial number as 32 uppercase hex
// characters (zero-padded 128 bits). All store lookups use this form.
func SerialString(n *big.Int) string {
	return fmt.Sprintf("%032X", n)
}

// PublicKeyFingerprint returns the SHA-256 digest of the PKIX DER encoding
// of a public key, hex encoded. Used to detect key reuse across
// enrollments of the same or different devices.
func PublicKeyFingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// KeyAlgorithmString returns a human-readable key algorithm description
// for log and API output.
func KeyAlgorithmString(pub any) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", k.N.BitLen())
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", k.Curve.Params().Name)
	default:
		return fmt.Sprintf("%T", pub)
	}
}
