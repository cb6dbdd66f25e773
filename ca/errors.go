package ca

import "errors"

var (
	// ErrMalformedCSR means the request body was not a parseable PKCS#10
	// CSR or its self-signature did not verify.
	ErrMalformedCSR = errors.New("malformed certificate signing request")

	// ErrPolicyViolation means the CSR parsed but its key does not meet
	// issuance policy (weak RSA modulus, disallowed curve or algorithm).
	ErrPolicyViolation = errors.New("signing request violates issuance policy")

	// ErrAttestationFailed means platform attestation evidence was
	// rejected or could not be verified. Issuance fails closed.
	ErrAttestationFailed = errors.New("device attestation failed")

	// ErrSerialCollision means serial generation kept colliding with
	// existing records past the retry budget. With 128-bit random serials
	// this indicates a broken entropy source or a corrupted store.
	ErrSerialCollision = errors.New("certificate serial collision")

	// ErrStorageFailure means the issued certificate could not be
	// persisted. The certificate is withheld: a credential the store does
	// not know about would be rejected by validation anyway.
	ErrStorageFailure = errors.New("certificate store failure")

	// ErrNoActiveCertificate means renewal was requested by a device with
	// no active certificate on record.
	ErrNoActiveCertificate = errors.New("no active certificate to renew")
)
