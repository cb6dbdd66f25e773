package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/jmcleod/certgate/certs"
)

// rootKeyBits is the modulus size for generated CA root keys.
const rootKeyBits = 4096

// SoftwareKeyStore holds CA signing keys in process memory. Keys are
// identified by an opaque ID generated at creation time; the caller is
// responsible for persisting them via ExportPEM/ImportPEM.
type SoftwareKeyStore struct {
	keys map[string]crypto.Signer
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) nextID() string {
	s.seq++
	return fmt.Sprintf("sw-%d", s.seq)
}

// GenerateKey creates a new RSA root key.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := rsa.GenerateKey(s.rand, rootKeyBits)
	if err != nil {
		return "", fmt.Errorf("generating RSA %d key: %w", rootKeyBits, err)
	}
	id := s.nextID()
	s.keys[id] = priv
	return id, nil
}

// Signer returns the stored private key, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	priv, ok := s.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM parses an RSA or ECDSA private key in PKCS#1, SEC1, or
// PKCS#8 form and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", certs.ErrInvalidPEM)
	}

	var (
		priv crypto.Signer
		err  error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			switch k := key.(type) {
			case *rsa.PrivateKey:
				priv = k
			case *ecdsa.PrivateKey:
				priv = k
			default:
				return "", fmt.Errorf("%w: unsupported key type %T", certs.ErrInvalidPEM, key)
			}
		}
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", certs.ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", certs.ErrInvalidPEM, err)
	}

	id := s.nextID()
	s.keys[id] = priv
	return id, nil
}
