// Package certs defines the device certificate record model and the X.509
// primitives shared by the CA engine, the store backends and the mTLS
// validation middleware. Records are metadata about issued client
// certificates; the certificate itself is public material and is stored
// alongside for audit and re-download.
package certs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the kind of device a certificate was issued to.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformDesktop Platform = "desktop"
)

// ErrUnknownPlatform is returned when a platform string is not recognised.
var ErrUnknownPlatform = errors.New("unknown device platform")

// ParsePlatform normalises and validates a platform string.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformDesktop:
		return PlatformDesktop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
}

// Record is the persistent metadata for one issued device certificate.
// Records are never deleted; revocation flips the Revoked flag and the
// full history remains for audit.
type Record struct {
	// DeviceID is the stable client-supplied device identifier. Together
	// with Serial it uniquely identifies a record; a device accumulates
	// one record per issuance (enrollment or renewal).
	DeviceID string `json:"device_id"`

	// Serial is the certificate serial number as 32 uppercase hex
	// characters. Serials are globally unique across all devices and all
	// time, and index the whitelist lookup on the mTLS hot path.
	Serial string `json:"serial_number"`

	Platform Platform `json:"platform"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Revoked is set once by revocation and never reset.
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	// Fingerprint is the SHA-256 digest of the subject public key (PKIX
	// DER), hex encoded. Stored to detect key reuse across enrollments.
	Fingerprint string `json:"public_key_fingerprint"`

	// CertificatePEM is the issued certificate. Public material.
	CertificatePEM string `json:"certificate_pem"`
}

// Active reports whether the record represents a currently usable
// credential at the given instant: not revoked and inside its validity
// window. This is the whitelist predicate.
func (r *Record) Active(now time.Time) bool {
	return !r.Revoked && !now.Before(r.IssuedAt) && now.Before(r.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
