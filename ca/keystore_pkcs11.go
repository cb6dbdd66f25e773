//go:build pkcs11

package ca

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"

	"github.com/jmcleod/certgate/internal/uuid"
)

// PKCS11Prefix marks key references that live in a PKCS#11 HSM. The full
// reference is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11KeyStore holds the CA signing key in a PKCS#11 HSM. Keys are
// identified by a label in the HSM and referenced via "PKCS11:<label>".
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured HSM token. The caller must
// call Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates a new ECDSA P-384 CA key pair in the HSM with a
// UUID-based label. Returns a key ID of the form "pkcs11-<label>".
func (p *PKCS11KeyStore) GenerateKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "certgate-" + uuid.New()
	labelBytes := []byte(label)

	_, err := p.ctx.GenerateECDSAKeyPairWithLabel(labelBytes, labelBytes, elliptic.P384())
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-384 key in HSM: %w", err)
	}
	return "pkcs11-" + label, nil
}

// Signer returns a crypto.Signer backed by the HSM for the given key ID.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	label := labelFromKeyID(keyID)

	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (HSM: %v)", ErrKeyNotFound, keyID, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return signer, nil
}

// ExportPEM returns a "PKCS11:<label>" reference string. The private key
// material never leaves the HSM.
func (p *PKCS11KeyStore) ExportPEM(keyID string) (string, error) {
	label := labelFromKeyID(keyID)

	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return "", fmt.Errorf("verifying key in HSM: %w", err)
	}
	if signer == nil {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return PKCS11Prefix + label, nil
}

// ImportPEM accepts a "PKCS11:<label>" reference and resolves it to a key
// ID. Real PEM material cannot be imported into an HSM store.
func (p *PKCS11KeyStore) ImportPEM(pemData string) (string, error) {
	if strings.HasPrefix(pemData, PKCS11Prefix) {
		label := strings.TrimPrefix(pemData, PKCS11Prefix)

		signer, err := p.ctx.FindKeyPair(nil, []byte(label))
		if err != nil {
			return "", fmt.Errorf("finding key in HSM: %w", err)
		}
		if signer == nil {
			return "", fmt.Errorf("%w: PKCS#11 label %q", ErrKeyNotFound, label)
		}
		return "pkcs11-" + label, nil
	}
	return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
}

// labelFromKeyID extracts the HSM label from a "pkcs11-<label>" key ID.
func labelFromKeyID(keyID string) string {
	return strings.TrimPrefix(keyID, "pkcs11-")
}
