package ca

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/jmcleod/certgate/certs"
)

// Root is a freshly generated self-signed CA.
type Root struct {
	KeyID          string
	Certificate    *x509.Certificate
	CertificatePEM []byte
}

// GenerateRoot creates a new self-signed root CA in the keystore. The
// root only ever signs end-entity client certificates, so the path length
// constraint is zero.
func GenerateRoot(ks KeyStore, commonName string, validity time.Duration) (*Root, error) {
	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, err
	}

	serialInt, _, err := certs.NewSerial()
	if err != nil {
		return nil, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding CA public key: %w", err)
	}
	ski := sha256.Sum256(pubDER)

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serialInt,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Certgate"},
		},
		NotBefore:             now.Add(-clockSkewGrace),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski[:20],
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("signing root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	return &Root{
		KeyID:          keyID,
		Certificate:    cert,
		CertificatePEM: certs.EncodeCertificatePEM(der),
	}, nil
}
