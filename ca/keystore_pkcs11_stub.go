//go:build !pkcs11

package ca

import (
	"crypto"
	"fmt"
)

// PKCS11Prefix marks key references that live in a PKCS#11 HSM. Available
// regardless of build tag for reference by other packages.
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
// This is a placeholder when the pkcs11 build tag is not set.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11KeyStore is a placeholder type when the pkcs11 build tag is not
// set. It implements KeyStore so the server CLI compiles without CGo, but
// all methods return errors directing the user to rebuild with -tags pkcs11.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

var errNoPKCS11 = fmt.Errorf("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// NewPKCS11KeyStore returns an error when compiled without the pkcs11
// build tag.
func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errNoPKCS11
}

// Close is a no-op for the stub.
func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey() (string, error) {
	return "", errNoPKCS11
}

func (p *PKCS11KeyStore) Signer(_ string) (crypto.Signer, error) {
	return nil, errNoPKCS11
}

func (p *PKCS11KeyStore) ExportPEM(_ string) (string, error) {
	return "", errNoPKCS11
}

func (p *PKCS11KeyStore) ImportPEM(_ string) (string, error) {
	return "", errNoPKCS11
}
