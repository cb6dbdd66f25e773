package ca

import (
	"crypto"
	"fmt"
)

// KeyStore abstracts the CA signing key so the authority can run with a
// software key loaded from disk or an HSM-resident key without changing
// calling code. A KeyID is an opaque store-specific reference.
type KeyStore interface {
	// GenerateKey creates a new CA signing key and returns its ID. For
	// HSM backends the private material never leaves the device.
	GenerateKey() (keyID string, err error)

	// Signer returns a crypto.Signer for the key. x509.CreateCertificate
	// needs only Sign and Public.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as PEM, or a reference string for
	// stores whose keys are not exportable.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads key material (or a reference string produced by
	// ExportPEM) and returns its key ID.
	ImportPEM(pemData string) (keyID string, err error)
}

// ErrKeyNotExportable is returned by ExportPEM when private key material
// cannot leave the backing store.
var ErrKeyNotExportable = fmt.Errorf("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")
