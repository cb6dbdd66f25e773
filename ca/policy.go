package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/jmcleod/certgate/certs"
)

// Policy controls what the authority will sign and for how long.
type Policy struct {
	// MinRSABits rejects RSA keys with a smaller modulus.
	MinRSABits int

	// AllowedCurves whitelists ECDSA curves by name.
	AllowedCurves map[string]bool

	// Validity is the certificate lifetime per platform. Platforms
	// without an entry fall back to DefaultValidity.
	Validity map[certs.Platform]time.Duration

	// DefaultValidity applies when Validity has no platform entry.
	DefaultValidity time.Duration

	// MinValidity bounds how far a request may shorten its certificate
	// lifetime below the platform default.
	MinValidity time.Duration

	// SerialRetries bounds regeneration attempts when a generated serial
	// already exists in the store.
	SerialRetries int

	// SupersedeOnRenew revokes a device's prior active certificates when
	// a renewal is issued, keeping at most one live credential per device.
	SupersedeOnRenew bool

	// Organization is placed in the subject of every issued certificate.
	Organization string

	// AttestationTimeout bounds each attestation gate call.
	AttestationTimeout time.Duration
}

// DefaultPolicy returns the standard issuance policy: mobile platforms
// get 30-day certificates, desktops 7 days.
func DefaultPolicy() Policy {
	return Policy{
		MinRSABits: 2048,
		AllowedCurves: map[string]bool{
			elliptic.P256().Params().Name: true,
			elliptic.P384().Params().Name: true,
		},
		Validity: map[certs.Platform]time.Duration{
			certs.PlatformAndroid: 30 * 24 * time.Hour,
			certs.PlatformIOS:     30 * 24 * time.Hour,
			certs.PlatformDesktop: 7 * 24 * time.Hour,
		},
		DefaultValidity:    7 * 24 * time.Hour,
		MinValidity:        24 * time.Hour,
		SerialRetries:      3,
		SupersedeOnRenew:   true,
		Organization:       "Certgate Devices",
		AttestationTimeout: 5 * time.Second,
	}
}

// validityFor resolves the lifetime for one request. A zero requested
// duration takes the platform default; a nonzero one may only shorten
// it, bounded below by MinValidity.
func (p Policy) validityFor(platform certs.Platform, requested time.Duration) (time.Duration, error) {
	limit := p.DefaultValidity
	if d, ok := p.Validity[platform]; ok {
		limit = d
	}
	if requested == 0 {
		return limit, nil
	}
	if requested < p.MinValidity {
		return 0, fmt.Errorf("%w: requested validity %s below minimum %s",
			ErrPolicyViolation, requested, p.MinValidity)
	}
	if requested > limit {
		return 0, fmt.Errorf("%w: requested validity %s exceeds %s maximum %s",
			ErrPolicyViolation, requested, platform, limit)
	}
	return requested, nil
}

// checkPublicKey enforces key strength policy on a CSR public key.
func (p Policy) checkPublicKey(pub any) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < p.MinRSABits {
			return fmt.Errorf("%w: RSA modulus %d below minimum %d",
				ErrPolicyViolation, k.N.BitLen(), p.MinRSABits)
		}
	case *ecdsa.PublicKey:
		name := k.Curve.Params().Name
		if !p.AllowedCurves[name] {
			return fmt.Errorf("%w: ECDSA curve %s not allowed", ErrPolicyViolation, name)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrPolicyViolation, pub)
	}
	return nil
}
