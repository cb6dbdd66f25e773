// Package attest verifies platform attestation evidence submitted during
// device enrollment. Each platform gets its own Gate; the CA engine
// consults the gate for the enrolling device's platform before issuing a
// certificate, and refuses issuance on any outcome other than success.
package attest

import (
	"context"
	"errors"
)

var (
	// ErrRejected means the evidence was evaluated and failed. The device
	// is not what it claims to be, or the evidence is stale or forged.
	ErrRejected = errors.New("attestation evidence rejected")

	// ErrUnavailable means the verdict could not be obtained, for example
	// because the upstream verification service did not answer. Enrollment
	// fails closed on this too, but callers may log it differently.
	ErrUnavailable = errors.New("attestation service unavailable")
)

// Evidence is the attestation material a device submits with its
// enrollment request. Which fields are meaningful depends on the platform.
type Evidence struct {
	// DeviceID is the identifier the device is enrolling under. Gates
	// bind their verdict to it where the platform supports that.
	DeviceID string

	// Nonce is the server-issued challenge the evidence must embed.
	Nonce string

	// Token carries the platform attestation payload: a SafetyNet JWS for
	// Android, a DeviceCheck token for iOS.
	Token string

	// Fingerprint is the desktop hardware fingerprint.
	Fingerprint string
}

// Gate verifies attestation evidence for one platform. Verify returns nil
// on success, ErrRejected when the evidence fails evaluation, and
// ErrUnavailable when no verdict could be obtained. Implementations must
// honour ctx cancellation; the caller applies a deadline.
type Gate interface {
	Verify(ctx context.Context, ev Evidence) error
}

// Disabled is a Gate that accepts all evidence. Used when attestation is
// explicitly switched off for a platform.
type Disabled struct{}

func (Disabled) Verify(context.Context, Evidence) error { return nil }
