package ca

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/certgate/certs"
)

// SecretSource supplies the CA key pair at startup. Implementations may
// read files, query a secret manager, or hand out HSM references.
type SecretSource interface {
	// CAPrivateKeyPEM returns the CA private key as PEM, or a keystore
	// reference string such as "PKCS11:<label>".
	CAPrivateKeyPEM() ([]byte, error)

	// CACertificatePEM returns the CA certificate as PEM.
	CACertificatePEM() ([]byte, error)
}

// FileSource reads the CA key pair from disk.
type FileSource struct {
	KeyPath  string
	CertPath string
}

var _ SecretSource = FileSource{}

func (s FileSource) CAPrivateKeyPEM() ([]byte, error) {
	data, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	return data, nil
}

func (s FileSource) CACertificatePEM() ([]byte, error) {
	data, err := os.ReadFile(s.CertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	return data, nil
}

// LoadSigner loads the CA key pair from src into ks and returns the
// signer, the parsed CA certificate, and its PEM encoding. The key PEM is
// held in a locked buffer while in transit and wiped before returning.
func LoadSigner(ks KeyStore, src SecretSource) (crypto.Signer, *x509.Certificate, []byte, error) {
	certPEM, err := src.CACertificatePEM()
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := certs.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, nil, nil, fmt.Errorf("certificate is not a CA certificate")
	}

	keyPEM, err := src.CAPrivateKeyPEM()
	if err != nil {
		return nil, nil, nil, err
	}
	// NewBufferFromBytes wipes keyPEM; the locked copy is the only one left.
	buf := memguard.NewBufferFromBytes(keyPEM)
	defer buf.Destroy()

	keyID, err := ks.ImportPEM(buf.String())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("importing CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, nil, nil, err
	}

	// The key on disk must match the certificate.
	certDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding certificate public key: %w", err)
	}
	keyDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding signer public key: %w", err)
	}
	if string(certDER) != string(keyDER) {
		return nil, nil, nil, fmt.Errorf("CA key does not match CA certificate")
	}

	return signer, cert, certPEM, nil
}
